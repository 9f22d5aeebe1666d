// Package pagination parses page/perPage query params and builds list metadata.
package pagination

import (
	"net/http"
	"strconv"
	"strings"
)

// Options bounds the page size accepted from clients.
type Options struct {
	DefaultPerPage int
	MaxPerPage     int
}

// PostOpts matches the blog listing: ten posts per page.
var PostOpts = Options{DefaultPerPage: 10, MaxPerPage: 100}

// Params is a resolved, always-valid page request.
type Params struct {
	Page    int
	PerPage int
}

// Parse reads page and perPage (per_page also accepted) from the query string.
func Parse(r *http.Request, opt Options) Params {
	q := r.URL.Query()
	page := 1
	if n, err := strconv.Atoi(strings.TrimSpace(q.Get("page"))); err == nil && n > 0 {
		page = n
	}
	perRaw := q.Get("perPage")
	if perRaw == "" {
		perRaw = q.Get("per_page")
	}
	per := opt.DefaultPerPage
	if n, err := strconv.Atoi(strings.TrimSpace(perRaw)); err == nil && n > 0 {
		per = n
	}
	if opt.MaxPerPage > 0 && per > opt.MaxPerPage {
		per = opt.MaxPerPage
	}
	return Params{Page: page, PerPage: per}
}

func (p Params) Limit() int  { return p.PerPage }
func (p Params) Offset() int { return (p.Page - 1) * p.PerPage }

// Meta describes a page of results.
type Meta struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"perPage"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
	HasNext    bool  `json:"hasNext"`
	HasPrev    bool  `json:"hasPrev"`
}

// BuildMeta computes page counts for total matching rows.
func BuildMeta(total int64, p Params) Meta {
	pages := 0
	if p.PerPage > 0 {
		pages = int((total + int64(p.PerPage) - 1) / int64(p.PerPage))
	}
	return Meta{
		Page:       p.Page,
		PerPage:    p.PerPage,
		Total:      total,
		TotalPages: pages,
		HasNext:    p.Page < pages,
		HasPrev:    p.Page > 1,
	}
}
