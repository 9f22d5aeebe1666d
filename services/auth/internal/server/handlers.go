package server

import (
	"errors"
	"net/http"

	"bookclub/internal/util"
	"bookclub/pkg/domain"
	"bookclub/services/auth/internal/app"
	"bookclub/services/auth/internal/security"
)

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	util.WriteJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Signup, "signup:"+s.clientIP(r), security.EventSignup) {
		return
	}
	var req app.SignUpInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.app.SignUp(req)
	if err != nil {
		s.audit(r, security.EventSignup, security.OutcomeFail, "", "username", req.Username)
		writeError(w, r, err)
		return
	}
	s.audit(r, security.EventSignup, security.OutcomeSuccess, sess.User.ID, "user_id", sess.User.ID, "role", sess.User.Role)
	util.WriteJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req app.LoginInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ev := security.LoginEvent(req.Username, req.Email)
	if !s.allowRate(w, r, s.limiters.LoginIP, "login:ip:"+s.clientIP(r), ev) {
		return
	}
	if ident := req.Identifier(); ident != "" {
		if !s.allowRate(w, r, s.limiters.LoginIdent, "login:id:"+ident, ev) {
			return
		}
	}
	sess, err := s.app.Login(req)
	if err != nil {
		s.audit(r, ev, security.OutcomeFail, req.Identifier(), "identifier", req.Identifier(), "reason", err.Error())
		writeError(w, r, err)
		return
	}
	s.audit(r, ev, security.OutcomeSuccess, req.Identifier(), "user_id", sess.User.ID)
	util.WriteJSON(w, http.StatusOK, sess)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Refresh, "refresh:"+s.clientIP(r), security.EventRefresh) {
		return
	}
	var req refreshRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.app.Refresh(req.RefreshToken)
	if err != nil {
		s.audit(r, security.EventRefresh, security.OutcomeFail, "")
		writeError(w, r, err)
		return
	}
	s.audit(r, security.EventRefresh, security.OutcomeSuccess, sess.User.ID, "user_id", sess.User.ID)
	util.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := util.DecodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	token, _ := util.BearerToken(r)
	if err := s.app.Logout(token, req.RefreshToken); err != nil {
		s.audit(r, security.EventLogout, security.OutcomeFail, user.ID, "user_id", user.ID)
		writeError(w, r, err)
		return
	}
	s.audit(r, security.EventLogout, security.OutcomeSuccess, user.ID, "user_id", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user domain.User) {
	util.WriteJSON(w, http.StatusOK, user)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req app.UpdateMeInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.app.UpdateMe(user, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, updated)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req changePasswordRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.app.ChangePassword(user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		s.audit(r, security.EventPasswordChange, security.OutcomeFail, user.ID, "user_id", user.ID)
		writeError(w, r, err)
		return
	}
	s.audit(r, security.EventPasswordChange, security.OutcomeSuccess, user.ID, "user_id", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	profile, err := s.app.GetProfile(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, profile)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req app.UpdateProfileInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	profile, err := s.app.UpdateProfile(r.Context(), user.ID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, profile)
}

// multipart framing allowance on top of the avatar size cap
const avatarFormOverhead = 64 << 10

func (s *Server) handleUploadAvatar(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxAvatarBytes+avatarFormOverhead)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			err = app.ErrAvatarTooLarge
		default:
			err = app.ErrAvatarRequired
		}
		s.audit(r, security.EventAvatarUpload, security.OutcomeFail, user.ID, "user_id", user.ID)
		writeError(w, r, err)
		return
	}
	defer file.Close()

	profile, err := s.app.UploadAvatar(r.Context(), user.ID, file)
	if err != nil {
		s.audit(r, security.EventAvatarUpload, security.OutcomeFail, user.ID, "user_id", user.ID)
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, profile)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ domain.User) {
	users, err := s.app.ListUsers()
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"items": users,
		"count": len(users),
	})
}

func (s *Server) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request, admin domain.User) {
	var req app.AdminUpdateInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.app.AdminUpdateUser(admin, r.PathValue("id"), req)
	if err != nil {
		s.audit(r, security.EventAdminUserPatch, security.OutcomeFail, admin.ID, "admin_id", admin.ID, "target_id", r.PathValue("id"))
		writeError(w, r, err)
		return
	}
	s.audit(r, security.EventAdminUserPatch, security.OutcomeSuccess, admin.ID, "admin_id", admin.ID, "target_id", updated.ID, "role", updated.Role, "status", updated.Status)
	util.WriteJSON(w, http.StatusOK, updated)
}
