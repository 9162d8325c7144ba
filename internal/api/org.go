package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/reviewsync/internal/access"
	"github.com/lalith-99/reviewsync/internal/identity"
	"github.com/lalith-99/reviewsync/internal/middleware"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/repository"
	"go.uber.org/zap"
)

// MembershipCache drops a user's cached memberships after they change.
type MembershipCache interface {
	Invalidate(ctx context.Context, userID string) error
}

// OrgHandler manages organizations and their members. It is the write side
// of the identity directory the project core reads from.
type OrgHandler struct {
	orgs      repository.OrganizationRepository
	directory identity.Directory
	cache     MembershipCache
	logger    *zap.Logger
}

// NewOrgHandler wires the handler. cache may be nil when memberships are
// read uncached.
func NewOrgHandler(orgs repository.OrganizationRepository, directory identity.Directory, cache MembershipCache, logger *zap.Logger) *OrgHandler {
	return &OrgHandler{orgs: orgs, directory: directory, cache: cache, logger: logger}
}

type createOrgRequest struct {
	Name string `json:"name" binding:"required"`
}

type addMemberRequest struct {
	UserID string `json:"userId" binding:"required,uuid"`
	Role   string `json:"role" binding:"omitempty,oneof=member admin owner"`
}

// Create handles POST /v1/orgs. The caller becomes the owner.
func (h *OrgHandler) Create(c *gin.Context) {
	var req createOrgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creatorID, ok := h.userUUID(c)
	if !ok {
		return
	}

	org, err := h.orgs.Create(c.Request.Context(), req.Name, creatorID)
	if err != nil {
		h.logger.Error("failed to create organization", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create organization"})
		return
	}

	h.invalidate(c.Request.Context(), creatorID.String())
	c.JSON(http.StatusCreated, org)
}

// List handles GET /v1/orgs: the caller's memberships, read fresh.
func (h *OrgHandler) List(c *gin.Context) {
	userID, ok := h.userUUID(c)
	if !ok {
		return
	}

	memberships, err := h.orgs.MembershipsForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list memberships", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list organizations"})
		return
	}
	c.JSON(http.StatusOK, memberships)
}

// ListMembers handles GET /v1/orgs/:id/members. Members only.
func (h *OrgHandler) ListMembers(c *gin.Context) {
	orgID, ok := parseUUIDParam(c, "id", "invalid organization id")
	if !ok {
		return
	}
	if !access.IsOrgMember(h.actor(c), orgID.String()) {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return
	}

	members, err := h.orgs.ListMembers(c.Request.Context(), orgID)
	if err != nil {
		h.logger.Error("failed to list members", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list members"})
		return
	}
	c.JSON(http.StatusOK, members)
}

// AddMember handles POST /v1/orgs/:id/members. Admins add members and
// admins; only owners grant ownership.
func (h *OrgHandler) AddMember(c *gin.Context) {
	orgID, ok := parseUUIDParam(c, "id", "invalid organization id")
	if !ok {
		return
	}
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role := access.NormalizeRole(req.Role)

	actor := h.actor(c)
	if !access.CanAdministerOrg(actor, orgID.String()) || (role == access.RoleOwner && !isOrgOwner(actor, orgID.String())) {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return
	}

	userID := uuid.MustParse(req.UserID)
	if err := h.orgs.AddMember(c.Request.Context(), orgID, userID, string(role)); err != nil {
		h.logger.Error("failed to add member", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add member"})
		return
	}

	h.invalidate(c.Request.Context(), userID.String())
	c.JSON(http.StatusCreated, models.OrgMember{OrgID: orgID, UserID: userID, Role: string(role)})
}

// RemoveMember handles DELETE /v1/orgs/:id/members/:userId. Admins remove
// anyone; every member may remove themselves.
//
// Access to the org's projects ends with the membership. Cached lookups are
// dropped here; other replicas' caches expire within the cache TTL.
func (h *OrgHandler) RemoveMember(c *gin.Context) {
	orgID, ok := parseUUIDParam(c, "id", "invalid organization id")
	if !ok {
		return
	}
	userID, ok := parseUUIDParam(c, "userId", "invalid user id")
	if !ok {
		return
	}

	actor := h.actor(c)
	if actor.ID != userID.String() && !access.CanAdministerOrg(actor, orgID.String()) {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return
	}

	if err := h.orgs.RemoveMember(c.Request.Context(), orgID, userID); err != nil {
		h.logger.Error("failed to remove member", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove member"})
		return
	}

	h.invalidate(c.Request.Context(), userID.String())
	c.Status(http.StatusNoContent)
}

// actor returns the caller with memberships attached. A failed lookup
// yields no memberships, so every org check denies.
func (h *OrgHandler) actor(c *gin.Context) access.Actor {
	actor := middleware.GetActor(c)
	ms, err := h.directory.Memberships(c.Request.Context(), actor.ID)
	if err != nil {
		h.logger.Warn("membership lookup failed", zap.String("user_id", actor.ID), zap.Error(err))
		ms = nil
	}
	if ms == nil {
		ms = []access.Membership{}
	}
	actor.Memberships = ms
	return actor
}

func (h *OrgHandler) invalidate(ctx context.Context, userID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx, userID); err != nil {
		h.logger.Warn("failed to invalidate membership cache", zap.String("user_id", userID), zap.Error(err))
	}
}

func (h *OrgHandler) userUUID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(middleware.GetUserID(c))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "organizations need a registered user"})
		return uuid.Nil, false
	}
	return id, true
}

func isOrgOwner(a access.Actor, orgID string) bool {
	for _, m := range a.Memberships {
		if m.OrgID == orgID {
			return m.Role == access.RoleOwner
		}
	}
	return false
}

func parseUUIDParam(c *gin.Context, name, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return uuid.Nil, false
	}
	return id, true
}
