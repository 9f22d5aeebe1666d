package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		preflight  bool
		wantOrigin string
		wantStatus int
	}{
		{name: "listed origin echoed", allowed: []string{"https://app.example"}, origin: "https://app.example", wantOrigin: "https://app.example", wantStatus: http.StatusTeapot},
		{name: "unlisted origin omitted", allowed: []string{"https://app.example"}, origin: "https://evil.example", wantStatus: http.StatusTeapot},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://any.example", wantOrigin: "*", wantStatus: http.StatusTeapot},
		{name: "preflight short circuits", allowed: []string{"*"}, origin: "https://any.example", preflight: true, wantOrigin: "*", wantStatus: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			method := http.MethodGet
			if tc.preflight {
				method = http.MethodOptions
			}
			req := httptest.NewRequest(method, "/api/books", nil)
			req.Header.Set("Origin", tc.origin)
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			WithCORS(tc.allowed, next).ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("allow origin = %q, want %q", got, tc.wantOrigin)
			}
		})
	}
}
