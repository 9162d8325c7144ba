package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/reviewsync/internal/access"
	"github.com/lalith-99/reviewsync/internal/middleware"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockOrgRepo struct {
	mock.Mock
}

func (m *mockOrgRepo) Create(ctx context.Context, name string, creatorID uuid.UUID) (*models.Organization, error) {
	args := m.Called(ctx, name, creatorID)
	org, _ := args.Get(0).(*models.Organization)
	return org, args.Error(1)
}

func (m *mockOrgRepo) GetByID(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	args := m.Called(ctx, orgID)
	org, _ := args.Get(0).(*models.Organization)
	return org, args.Error(1)
}

func (m *mockOrgRepo) AddMember(ctx context.Context, orgID, userID uuid.UUID, role string) error {
	return m.Called(ctx, orgID, userID, role).Error(0)
}

func (m *mockOrgRepo) RemoveMember(ctx context.Context, orgID, userID uuid.UUID) error {
	return m.Called(ctx, orgID, userID).Error(0)
}

func (m *mockOrgRepo) ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.OrgMember, error) {
	args := m.Called(ctx, orgID)
	ms, _ := args.Get(0).([]models.OrgMember)
	return ms, args.Error(1)
}

func (m *mockOrgRepo) MembershipsForUser(ctx context.Context, userID uuid.UUID) ([]models.OrgMember, error) {
	args := m.Called(ctx, userID)
	ms, _ := args.Get(0).([]models.OrgMember)
	return ms, args.Error(1)
}

type fakeDirectory map[string][]access.Membership

func (d fakeDirectory) Memberships(_ context.Context, userID string) ([]access.Membership, error) {
	if userID == "broken" {
		return nil, errors.New("directory down")
	}
	return d[userID], nil
}

type recordingCache struct {
	invalidated []string
}

func (c *recordingCache) Invalidate(_ context.Context, userID string) error {
	c.invalidated = append(c.invalidated, userID)
	return nil
}

func setupOrgRouter(repo *mockOrgRepo, dir fakeDirectory, cache MembershipCache) *gin.Engine {
	h := NewOrgHandler(repo, dir, cache, zap.NewNop())
	r := gin.New()
	g := r.Group("/v1", middleware.AuthMiddleware(testSecret))
	g.POST("/orgs", h.Create)
	g.GET("/orgs", h.List)
	g.GET("/orgs/:id/members", h.ListMembers)
	g.POST("/orgs/:id/members", h.AddMember)
	g.DELETE("/orgs/:id/members/:userId", h.RemoveMember)
	return r
}

func TestOrgHandler_AddMemberRequiresAdmin(t *testing.T) {
	orgID := uuid.New()
	admin := access.Actor{ID: uuid.NewString(), Email: "admin@example.com"}
	plain := access.Actor{ID: uuid.NewString(), Email: "plain@example.com"}
	newcomer := uuid.New()

	dir := fakeDirectory{
		admin.ID: {{OrgID: orgID.String(), Role: access.RoleAdmin}},
		plain.ID: {{OrgID: orgID.String(), Role: access.RoleMember}},
	}
	repo := &mockOrgRepo{}
	repo.On("AddMember", mock.Anything, orgID, newcomer, "member").Return(nil)
	cache := &recordingCache{}
	r := setupOrgRouter(repo, dir, cache)

	body := `{"userId":"` + newcomer.String() + `"}`
	path := "/v1/orgs/" + orgID.String() + "/members"

	w := do(t, r, http.MethodPost, path, tokenFor(t, plain), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, path, tokenFor(t, admin), `{"userId":"`+newcomer.String()+`","role":"owner"}`)
	assert.Equal(t, http.StatusForbidden, w.Code, "admins cannot grant ownership")

	w = do(t, r, http.MethodPost, path, tokenFor(t, admin), body)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{newcomer.String()}, cache.invalidated)
	repo.AssertExpectations(t)
}

func TestOrgHandler_RemoveSelf(t *testing.T) {
	orgID := uuid.New()
	me := access.Actor{ID: uuid.NewString(), Email: "me@example.com"}
	dir := fakeDirectory{me.ID: {{OrgID: orgID.String(), Role: access.RoleMember}}}
	repo := &mockOrgRepo{}
	repo.On("RemoveMember", mock.Anything, orgID, uuid.MustParse(me.ID)).Return(nil)
	cache := &recordingCache{}

	w := do(t, setupOrgRouter(repo, dir, cache), http.MethodDelete,
		"/v1/orgs/"+orgID.String()+"/members/"+me.ID, tokenFor(t, me), "")

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{me.ID}, cache.invalidated)
	repo.AssertExpectations(t)
}

func TestOrgHandler_ListMembersDeniesOnLookupFailure(t *testing.T) {
	orgID := uuid.New()
	repo := &mockOrgRepo{}
	broken := access.Actor{ID: "broken", Email: "b@example.com"}

	w := do(t, setupOrgRouter(repo, fakeDirectory{}, nil), http.MethodGet,
		"/v1/orgs/"+orgID.String()+"/members", tokenFor(t, broken), "")

	assert.Equal(t, http.StatusForbidden, w.Code)
	repo.AssertNotCalled(t, "ListMembers", mock.Anything, mock.Anything)
}

func TestOrgHandler_Create(t *testing.T) {
	creator := access.Actor{ID: uuid.NewString(), Email: "c@example.com"}
	org := &models.Organization{ID: uuid.New(), Name: "Studio"}
	repo := &mockOrgRepo{}
	repo.On("Create", mock.Anything, "Studio", uuid.MustParse(creator.ID)).Return(org, nil)
	cache := &recordingCache{}

	w := do(t, setupOrgRouter(repo, fakeDirectory{}, cache), http.MethodPost, "/v1/orgs", tokenFor(t, creator), `{"name":"Studio"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{creator.ID}, cache.invalidated)
}
