package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/reviewsync/internal/project"
	"go.uber.org/zap"
)

// conflictResponse is the 409 body. Clients read both versions to decide
// whether to re-fetch.
type conflictResponse struct {
	Error         string `json:"error"`
	ProjectID     string `json:"projectId"`
	ServerVersion int64  `json:"serverVersion"`
	ClientVersion int64  `json:"clientVersion"`
}

// respondError maps domain errors onto status codes:
//
//	401 unauthenticated
//	403 forbidden, locked
//	404 missing project/asset/version/comment
//	409 version conflict
//	400 invalid document
//	503 store unreachable (the client's offline signal)
//	500 everything else
func respondError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var conflict *project.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, conflictResponse{
			Error:         "version conflict",
			ProjectID:     conflict.ProjectID,
			ServerVersion: conflict.ServerVersion,
			ClientVersion: conflict.ClientVersion,
		})
	case errors.Is(err, project.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, project.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
	case errors.Is(err, project.ErrLocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "project is locked"})
	case errors.Is(err, project.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, project.ErrInvalidDocument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, project.ErrStoreUnreachable):
		logger.Warn("store unreachable", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service offline"})
	default:
		logger.Error("request failed", zap.String("op", op), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
	}
}
