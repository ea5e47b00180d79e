package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"retail-pos/internal/domain"
	"retail-pos/internal/service"
	"retail-pos/internal/snapshot"
	"retail-pos/internal/storage"
	"retail-pos/internal/store"
)

const userContextKey = "pos.user"

// maxImportBytes bounds an uploaded snapshot.
const maxImportBytes = 512 << 20

// Handler exposes the store and session layer to local UI collaborators.
type Handler struct {
	sessions *service.SessionService
	store    *store.Manager
	tokens   *TokenIssuer
	origins  map[string]bool
	// maxImport bounds an uploaded snapshot, multipart or raw.
	maxImport int64
	log       *logrus.Entry
}

// NewHandler builds the API. Cross-origin requests are answered only for the
// listed origins.
func NewHandler(sessions *service.SessionService, manager *store.Manager, tokens *TokenIssuer, logger *logrus.Logger, allowedOrigins ...string) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" && o != "*" {
			origins[o] = true
		}
	}
	return &Handler{
		sessions:  sessions,
		store:     manager,
		tokens:    tokens,
		origins:   origins,
		maxImport: maxImportBytes,
		log:       logger.WithField("component", "http"),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(h.corsMiddleware(), h.requestContext())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/health", h.health)
		api.POST("/session/login", h.login)
		api.POST("/session/resume", h.resume)
	}

	authed := api.Group("", h.requireSession())
	{
		authed.GET("/session", h.currentSession)
		authed.POST("/session/logout", h.logout)
		authed.POST("/session/password", h.changePassword)

		authed.POST("/sql/exec", h.execStatement)
		authed.POST("/sql/query", h.runQuery)

		authed.POST("/store/save", h.save)
		authed.POST("/store/export", h.export)
		authed.GET("/store/snapshot", h.downloadSnapshot)
		authed.POST("/store/import", h.importSnapshot)
	}

	admin := authed.Group("", h.requireAdmin())
	{
		admin.GET("/users", h.listUsers)
		admin.POST("/users", h.createUser)
		admin.PATCH("/users/:id/status", h.setUserStatus)
		admin.DELETE("/users/:id", h.deleteUser)
		admin.GET("/security-logs", h.securityLogs)
		admin.GET("/backups", h.listBackups)
		admin.POST("/backups/restore", h.restoreBackup)
	}
}

// corsMiddleware answers cross-origin requests only from configured origins.
// Requests from any other origin get no CORS headers, and their preflights are
// refused.
func (h *Handler) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := origin != "" && h.origins[origin]
		if allowed {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
			c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
		}
		if c.Request.Method == http.MethodOptions && origin != "" {
			if !allowed {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestContext tags each request with an id and carries the client address
// into audit entries.
func (h *Handler) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", reqID)
		c.Request = c.Request.WithContext(service.WithClientIP(c.Request.Context(), c.ClientIP()))

		start := time.Now()
		c.Next()

		h.log.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
		}).Debug("request")
	}
}

// requireSession accepts a bearer token only if its subject is the user
// currently logged in to this process.
func (h *Handler) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		sub, err := h.tokens.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		user := h.sessions.CurrentUser()
		if user == nil || sub != strconv.FormatInt(user.ID, 10) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session is not active"})
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sessionUser(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

func sessionUser(c *gin.Context) *domain.User {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, _ := v.(*domain.User)
	return user
}

func (h *Handler) health(c *gin.Context) {
	state := h.store.State()
	status := http.StatusOK
	if state == store.StateUninitialized {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"store": state.String(), "session": h.sessions.State()})
}

// storeError maps store and codec failures to HTTP statuses.
func (h *Handler) storeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, snapshot.ErrCorruptSnapshot):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrImportInProgress):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrRemoteDisabled):
		status = http.StatusNotImplemented
	case errors.Is(err, store.ErrStatementNotAllowed):
		status = http.StatusBadRequest
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
