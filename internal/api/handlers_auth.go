package api

import (
	"encoding/json"
	"net/http"

	"github.com/mysqlgate/mysqlgate/internal/auth"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

// login accepts either a username/password pair (sets the session cookie) or
// a bare API key secret.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrMsg(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Token != "" {
		key, err := s.store.VerifyApiKey(req.Token)
		if err != nil {
			s.authFailed(w)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"kind": auth.KindAPIKey, "keyId": key.ID})
		return
	}

	if req.Username == "" || req.Password == "" {
		writeErrMsg(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.store.VerifyUserPassword(req.Username, req.Password)
	if err != nil {
		s.authFailed(w)
		return
	}

	token, err := s.issuer.Issue(user.ID, user.Username)
	if err != nil {
		writeErr(w, err)
		return
	}
	auth.SetSessionCookie(w, token, int(s.cfg.JWT.ExpiresIn.Seconds()), s.cfg.TLS.Enabled)

	writeData(w, http.StatusOK, map[string]any{
		"user":               user,
		"mustChangePassword": user.MustChangePassword,
	})
}

func (s *Server) authFailed(w http.ResponseWriter) {
	if s.metrics != nil {
		s.metrics.AuthFailure()
	}
	writeErrMsg(w, http.StatusUnauthorized, gateway.ErrBadCredentials.Error())
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w)
	writeData(w, http.StatusOK, nil)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil || id.Kind != auth.KindUser {
		writeErrMsg(w, http.StatusUnauthorized, "password change requires a user login")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrMsg(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.store.ChangeUserPassword(id.UserID, req.OldPassword, req.NewPassword); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		writeErrMsg(w, http.StatusUnauthorized, gateway.ErrUnauthenticated.Error())
		return
	}

	if id.Kind == auth.KindUser {
		user, err := s.store.GetUser(id.UserID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"kind": id.Kind, "user": user})
		return
	}
	writeData(w, http.StatusOK, map[string]any{"kind": id.Kind, "keyId": id.APIKeyID})
}
