package web

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/argus-sec/argus/internal/auth"
	"github.com/argus-sec/argus/internal/model"
)

// apiToken exchanges a username/password form for a bearer token.
func (s *Server) apiToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	u, err := s.deps.Users.GetUserByUsername(r.Context(), username)
	if err != nil {
		s.deps.Log.Error("user lookup", "username", username, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if u == nil || !u.IsActive || !auth.CheckPassword(u.HashedPassword, password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.IssueToken(s.deps.JWTSecret, u.Username, s.deps.Clock.Now())
	if err != nil {
		s.deps.Log.Error("issue token", "username", username, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.deps.Audit.Record(r.Context(), u.Username, "token_issued", u.Username, nil)
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func validRole(role string) bool {
	switch role {
	case model.RoleAdmin, model.RoleAnalyst, model.RoleOperator, model.RoleAuditor:
		return true
	}
	return false
}

// apiCreateUser provisions an operator account. On a fresh install the
// users table is empty and the first account may be created without a
// token; every account after that requires an authenticated operator.
func (s *Server) apiCreateUser(w http.ResponseWriter, r *http.Request) {
	existing, err := s.deps.Users.CountUsers(r.Context())
	if err != nil {
		s.deps.Log.Error("count users", "error", err)
		writeError(w, http.StatusInternalServerError, "create user failed")
		return
	}
	actor := "bootstrap"
	if existing > 0 {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		username, err := auth.VerifyToken(s.deps.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		actor = username
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role == "" {
		// The account that unlocks a fresh install is the admin.
		if existing == 0 {
			req.Role = model.RoleAdmin
		} else {
			req.Role = model.RoleAnalyst
		}
	}
	if !validRole(req.Role) {
		writeError(w, http.StatusBadRequest, "unknown role "+req.Role)
		return
	}

	taken, err := s.deps.Users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		s.deps.Log.Error("user lookup", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "create user failed")
		return
	}
	if taken != nil {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create user failed")
		return
	}
	u := &model.User{
		ID:             uuid.NewString(),
		CreatedAt:      s.deps.Clock.Now().UTC(),
		Username:       req.Username,
		Email:          req.Email,
		HashedPassword: hash,
		Role:           req.Role,
		IsActive:       true,
	}
	if err := s.deps.Users.CreateUser(r.Context(), u); err != nil {
		s.deps.Log.Error("create user", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "create user failed")
		return
	}
	s.deps.Audit.Record(r.Context(), actor, "user_created", u.Username, map[string]any{
		"role": u.Role,
	})
	writeJSON(w, http.StatusCreated, u)
}

// apiListUsers returns every operator account.
func (s *Server) apiListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Users.ListUsers(r.Context())
	if err != nil {
		s.deps.Log.Error("list users", "error", err)
		writeError(w, http.StatusInternalServerError, "list users failed")
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// apiCurrentUser returns the account behind the presented token.
func (s *Server) apiCurrentUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Users.GetUserByUsername(r.Context(), usernameFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user lookup failed")
		return
	}
	if u == nil {
		// Token outlived the account.
		writeError(w, http.StatusUnauthorized, "user no longer exists")
		return
	}
	writeJSON(w, http.StatusOK, u)
}
