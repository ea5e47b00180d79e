package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"retail-pos/internal/domain"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type SessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *domain.User `json:"user"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := h.sessions.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.storeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	h.issueSession(c)
}

type resumeRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// resume re-enters the persisted session of this process. The caller proves
// it owns the session with a previously issued token for the same user or
// with that user's password.
func (h *Handler) resume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Token == "" && req.Password == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token or password required"})
		return
	}

	ctx := c.Request.Context()
	ok := h.sessions.IsAuthenticated()
	if !ok {
		var err error
		if ok, err = h.sessions.RestoreSession(ctx); err != nil {
			h.storeError(c, err)
			return
		}
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session to resume"})
		return
	}

	if req.Token != "" {
		sub, err := h.tokens.VerifyRefresh(req.Token)
		user := h.sessions.CurrentUser()
		if err != nil || user == nil || sub != strconv.FormatInt(user.ID, 10) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token does not match the active session"})
			return
		}
	} else {
		confirmed, err := h.sessions.ConfirmPassword(ctx, req.Password)
		if err != nil {
			h.storeError(c, err)
			return
		}
		if !confirmed {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
	}
	h.issueSession(c)
}

func (h *Handler) issueSession(c *gin.Context) {
	user := h.sessions.CurrentUser()
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session is not active"})
		return
	}
	token, expires, err := h.tokens.Issue(user.ID, user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Token: token, ExpiresAt: expires, User: user})
}

func (h *Handler) currentSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": sessionUser(c), "state": h.sessions.State()})
}

func (h *Handler) logout(c *gin.Context) {
	if err := h.sessions.Logout(c.Request.Context()); err != nil {
		h.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

func (h *Handler) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := h.sessions.ChangePassword(c.Request.Context(), req.OldPassword, req.NewPassword)
	if err != nil {
		h.storeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "current password is incorrect"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.sessions.Users(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}
	if users == nil {
		users = []domain.User{}
	}
	c.JSON(http.StatusOK, users)
}

type createUserRequest struct {
	Username string      `json:"username" binding:"required"`
	Password string      `json:"password" binding:"required"`
	Role     domain.Role `json:"role"`
	IsActive *bool       `json:"is_active"`
}

func (h *Handler) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	ok, err := h.sessions.CreateUser(c.Request.Context(), req.Username, req.Password, req.Role, active)
	if err != nil {
		h.storeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "user could not be created"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"username": req.Username})
}

type userStatusRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func (h *Handler) setUserStatus(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	var req userStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	done, err := h.sessions.ToggleUserStatus(c.Request.Context(), id, *req.IsActive)
	h.userMutation(c, id, done, err)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	done, err := h.sessions.DeleteUser(c.Request.Context(), id)
	h.userMutation(c, id, done, err)
}

func (h *Handler) userMutation(c *gin.Context, id int64, done bool, err error) {
	if err != nil {
		h.storeError(c, err)
		return
	}
	if !done {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user cannot be modified"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func userIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) securityLogs(c *gin.Context) {
	entries, err := h.sessions.SecurityLogs(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}
	if entries == nil {
		entries = []domain.SecurityLogEntry{}
	}
	c.JSON(http.StatusOK, entries)
}
