package server

import (
	"net/http"

	"bookclub/internal/pagination"
	"bookclub/internal/util"
	"bookclub/pkg/domain"
	"bookclub/services/social/internal/app"
)

type detailResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.app.ListPosts(app.PostFilter{
		Search:   q.Get("search"),
		TagSlug:  q.Get("tag"),
		AuthorID: q.Get("author"),
	}, pagination.Parse(r, pagination.PostOpts))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req app.PostInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	post, err := s.app.CreatePost(user, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, post)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.app.GetPost(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, post)
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req app.PostInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	post, err := s.app.UpdatePost(user, r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, post)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeletePost(user, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request, user domain.User) {
	like, err := s.app.Like(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, like)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.Unlike(user, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, detailResponse{Detail: "Post unliked."})
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.app.ListComments(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, comments)
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req app.CommentInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	comment, err := s.app.CreateComment(r.Context(), user, r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleGetComment(w http.ResponseWriter, r *http.Request) {
	comment, err := s.app.GetComment(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, comment)
}

func (s *Server) handleUpdateComment(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req app.CommentInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	comment, err := s.app.UpdateComment(user, r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, comment)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeleteComment(user, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.app.ListTags()
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, tags)
}

func (s *Server) handleTagPosts(w http.ResponseWriter, r *http.Request) {
	page, err := s.app.PostsByTag(r.PathValue("slug"), pagination.Parse(r, pagination.PostOpts))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request, user domain.User) {
	target, created, err := s.app.Follow(r.Context(), user, r.PathValue("userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !created {
		util.WriteJSON(w, http.StatusOK, detailResponse{Detail: "You already follow " + target.Username + "."})
		return
	}
	util.WriteJSON(w, http.StatusCreated, detailResponse{Detail: "You are now following " + target.Username + "."})
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request, user domain.User) {
	target, err := s.app.Unfollow(user, r.PathValue("userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, detailResponse{Detail: "You have unfollowed " + target.Username + "."})
}

func (s *Server) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.app.UserSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, summary)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	users, err := s.app.Followers(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, users)
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	users, err := s.app.Following(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, users)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, user domain.User) {
	page, err := s.app.Feed(user, pagination.Parse(r, pagination.PostOpts))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, user domain.User) {
	s.writeNotifications(w, r, user, false)
}

func (s *Server) handleUnreadNotifications(w http.ResponseWriter, r *http.Request, user domain.User) {
	s.writeNotifications(w, r, user, true)
}

func (s *Server) writeNotifications(w http.ResponseWriter, r *http.Request, user domain.User, unreadOnly bool) {
	items, err := s.app.Notifications(user, unreadOnly)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, items)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, user domain.User) {
	n, err := s.app.UnreadCount(user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]int64{"unread_count": n})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.MarkRead(user, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, detailResponse{Detail: "Notification marked as read."})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, user domain.User) {
	n, err := s.app.MarkAllRead(user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"detail": "All notifications marked as read.", "updated": n})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeleteNotification(user, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
