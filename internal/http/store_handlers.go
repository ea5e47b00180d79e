package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"retail-pos/internal/domain"
	"retail-pos/internal/service"
)

type statementRequest struct {
	SQL    string `json:"sql" binding:"required"`
	Params []any  `json:"params"`
}

func (h *Handler) execStatement(c *gin.Context) {
	var req statementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.store.Exec(c.Request.Context(), req.SQL, req.Params...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) runQuery(c *gin.Context) {
	var req statementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rs, err := h.store.Query(c.Request.Context(), req.SQL, req.Params...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (h *Handler) save(c *gin.Context) {
	if err := h.store.Save(c.Request.Context()); err != nil {
		h.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) export(c *gin.Context) {
	ctx := c.Request.Context()
	artifact, err := h.store.Export(ctx)
	if err != nil {
		h.storeError(c, err)
		return
	}
	h.audit(c, domain.AuditDatabaseExported, fmt.Sprintf("Database exported to %s", artifact.Name))
	c.JSON(http.StatusCreated, artifact)
}

func (h *Handler) downloadSnapshot(c *gin.Context) {
	image, err := h.store.Snapshot(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}
	name := h.store.SnapshotName()
	h.audit(c, domain.AuditDatabaseExported, fmt.Sprintf("Database downloaded as %s", name))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, "application/vnd.sqlite3", image)
}

// importSnapshot accepts either a multipart "file" field or the raw image as
// the request body.
func (h *Handler) importSnapshot(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxImport)
	var body io.Reader = c.Request.Body
	name := "request body"
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, err := c.FormFile("file")
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()
		body, name = f, file.Filename
	}

	if err := h.store.Import(c.Request.Context(), body); err != nil {
		h.storeError(c, err)
		return
	}
	h.audit(c, domain.AuditDatabaseImported, fmt.Sprintf("Database imported from %s", name))
	c.JSON(http.StatusOK, gin.H{"imported": name, "session": h.sessions.State()})
}

func (h *Handler) listBackups(c *gin.Context) {
	objects, err := h.store.ListRemote(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

type restoreRequest struct {
	Key string `json:"key" binding:"required"`
}

func (h *Handler) restoreBackup(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.ImportRemote(c.Request.Context(), req.Key); err != nil {
		h.storeError(c, err)
		return
	}
	h.audit(c, domain.AuditDatabaseImported, fmt.Sprintf("Database restored from remote backup %s", req.Key))
	c.JSON(http.StatusOK, gin.H{"imported": req.Key, "session": h.sessions.State()})
}

// audit records a store-level event under the requesting user. Failures are
// logged; the operation itself already succeeded.
func (h *Handler) audit(c *gin.Context, action domain.AuditAction, details string) {
	user := sessionUser(c)
	ctx := c.Request.Context()
	var userID *int64
	if user != nil {
		id := user.ID
		userID = &id
		ctx = service.WithActor(ctx, user)
	}
	if err := h.sessions.Audit().Record(ctx, action, details, userID); err != nil {
		h.log.WithError(err).WithField("action", action).Warn("record audit entry")
	}
}
