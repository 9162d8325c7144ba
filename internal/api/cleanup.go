package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/repository"
	"go.uber.org/zap"
)

// CleanupHandler exposes the storage cleanup outbox to the external worker
// that deletes orphaned blobs. The core never deletes blobs itself.
type CleanupHandler struct {
	repo   repository.CleanupRepository
	logger *zap.Logger
}

func NewCleanupHandler(repo repository.CleanupRepository, logger *zap.Logger) *CleanupHandler {
	return &CleanupHandler{repo: repo, logger: logger}
}

const (
	defaultCleanupLimit = 100
	maxCleanupLimit     = 1000
)

type cleanupPage struct {
	Items []models.CleanupItem `json:"items"`
	// NextAfter is the cursor for the next page. Equal to the request's
	// after when the page is empty.
	NextAfter int64 `json:"nextAfter"`
}

type ackRequest struct {
	IDs []int64 `json:"ids" binding:"required"`
}

// List handles GET /v1/storage/cleanup?after=&limit=
//
// Cursor pagination on the item id: pass the previous page's nextAfter.
// Offsets would skip items while the worker acks concurrently.
func (h *CleanupHandler) List(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after cursor"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultCleanupLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxCleanupLimit {
		limit = maxCleanupLimit
	}

	items, err := h.repo.ListPending(c.Request.Context(), after, limit)
	if err != nil {
		h.logger.Error("failed to list cleanup items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list cleanup items"})
		return
	}

	next := after
	if len(items) > 0 {
		next = items[len(items)-1].ID
	}
	c.JSON(http.StatusOK, cleanupPage{Items: items, NextAfter: next})
}

// Ack handles POST /v1/storage/cleanup/ack with {"ids": [...]}.
func (h *CleanupHandler) Ack(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.repo.Ack(c.Request.Context(), req.IDs); err != nil {
		h.logger.Error("failed to ack cleanup items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ack cleanup items"})
		return
	}
	c.Status(http.StatusNoContent)
}
