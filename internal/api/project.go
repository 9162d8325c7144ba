package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/reviewsync/internal/access"
	"github.com/lalith-99/reviewsync/internal/middleware"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/project"
	"go.uber.org/zap"
)

// ProjectService is the part of project.Service the HTTP layer calls.
// *project.Service satisfies it; tests pass a mock.
type ProjectService interface {
	Get(ctx context.Context, who access.Actor, id string) (*models.Project, error)
	List(ctx context.Context, who access.Actor, orgID string) ([]models.Project, error)
	Save(ctx context.Context, who access.Actor, docs []models.Project) (*project.SaveResult, error)
	Patch(ctx context.Context, who access.Actor, id string, updates map[string]json.RawMessage, expectedVersion int64) (*models.Project, error)
	Delete(ctx context.Context, who access.Actor, id string) error
	Join(ctx context.Context, who access.Actor, id string) (*models.Project, error)

	CreateComment(ctx context.Context, who access.Actor, ref models.CommentRef, in project.CommentInput) (*models.Comment, error)
	UpdateComment(ctx context.Context, who access.Actor, ref models.CommentRef, commentID string, upd project.CommentUpdate) (*models.Comment, error)
	DeleteComment(ctx context.Context, who access.Actor, ref models.CommentRef, commentID string) error
}

// ProjectHandler serves the project document and its comments.
type ProjectHandler struct {
	svc    ProjectService
	logger *zap.Logger
}

func NewProjectHandler(svc ProjectService, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{svc: svc, logger: logger}
}

// patchRequest is the body of PATCH /v1/projects/:id.
//
// ExpectedVersion is a pointer so a missing field is a 400 instead of
// silently meaning "version 0".
type patchRequest struct {
	Updates         map[string]json.RawMessage `json:"updates" binding:"required"`
	ExpectedVersion *int64                     `json:"expectedVersion" binding:"required"`
}

// List handles GET /v1/projects?orgId=
//
// With orgId: every project of that organization (membership required).
// Without: the caller's personal projects.
func (h *ProjectHandler) List(c *gin.Context) {
	projects, err := h.svc.List(c.Request.Context(), middleware.GetActor(c), c.Query("orgId"))
	if err != nil {
		respondError(c, h.logger, "list projects", err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

// Get handles GET /v1/projects/:id. Runs behind OptionalAuth so public
// projects are readable without a token.
func (h *ProjectHandler) Get(c *gin.Context) {
	p, err := h.svc.Get(c.Request.Context(), middleware.GetActor(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "get project", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Save handles POST /v1/projects. The body is either one project document
// or an array of them.
//
// A single document answers like any other mutation: 201 with the stored
// document, or the error its outcome maps to. An array answers 200 with the
// partial-success report.
func (h *ProjectHandler) Save(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	var (
		docs  []models.Project
		batch = raw[0] == '['
	)
	if batch {
		err = json.Unmarshal(raw, &docs)
	} else {
		var doc models.Project
		err = json.Unmarshal(raw, &doc)
		docs = []models.Project{doc}
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project document: " + err.Error()})
		return
	}

	result, err := h.svc.Save(c.Request.Context(), middleware.GetActor(c), docs)
	if err != nil {
		respondError(c, h.logger, "save projects", err)
		return
	}

	if batch {
		c.JSON(http.StatusOK, result)
		return
	}

	switch {
	case len(result.Saved) == 1:
		c.JSON(http.StatusCreated, result.Saved[0])
	case len(result.Conflicts) == 1:
		respondError(c, h.logger, "save project", &result.Conflicts[0])
	case len(result.Rejected) == 1:
		c.JSON(http.StatusBadRequest, gin.H{"error": result.Rejected[0].Reason})
	default:
		respondError(c, h.logger, "save project", project.ErrForbidden)
	}
}

// Patch handles PATCH /v1/projects/:id
//
// Body: {"updates": {"name": "..."}, "expectedVersion": 3}. Each top-level
// key of updates replaces the stored value.
func (h *ProjectHandler) Patch(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.svc.Patch(c.Request.Context(), middleware.GetActor(c), c.Param("id"), req.Updates, *req.ExpectedVersion)
	if err != nil {
		respondError(c, h.logger, "patch project", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Delete handles DELETE /v1/projects/:id
func (h *ProjectHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), middleware.GetActor(c), c.Param("id")); err != nil {
		respondError(c, h.logger, "delete project", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Join handles POST /v1/projects/:id/join. Safe to retry: joining twice
// returns the same document.
func (h *ProjectHandler) Join(c *gin.Context) {
	p, err := h.svc.Join(c.Request.Context(), middleware.GetActor(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "join project", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func commentRef(c *gin.Context) models.CommentRef {
	return models.CommentRef{
		ProjectID: c.Param("id"),
		AssetID:   c.Param("assetId"),
		VersionID: c.Param("versionId"),
	}
}

// CreateComment handles POST /v1/projects/:id/assets/:assetId/versions/:versionId/comments
func (h *ProjectHandler) CreateComment(c *gin.Context) {
	var in project.CommentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	comment, err := h.svc.CreateComment(c.Request.Context(), middleware.GetActor(c), commentRef(c), in)
	if err != nil {
		respondError(c, h.logger, "create comment", err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

// UpdateComment handles PATCH .../comments/:commentId
func (h *ProjectHandler) UpdateComment(c *gin.Context) {
	var upd project.CommentUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	comment, err := h.svc.UpdateComment(c.Request.Context(), middleware.GetActor(c), commentRef(c), c.Param("commentId"), upd)
	if err != nil {
		respondError(c, h.logger, "update comment", err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

// DeleteComment handles DELETE .../comments/:commentId
func (h *ProjectHandler) DeleteComment(c *gin.Context) {
	err := h.svc.DeleteComment(c.Request.Context(), middleware.GetActor(c), commentRef(c), c.Param("commentId"))
	if err != nil {
		respondError(c, h.logger, "delete comment", err)
		return
	}
	c.Status(http.StatusNoContent)
}
