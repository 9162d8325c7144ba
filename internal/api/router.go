package api

import (
	"github.com/gin-gonic/gin"
	"github.com/lalith-99/reviewsync/internal/middleware"
	"github.com/lalith-99/reviewsync/internal/observ"
	"go.uber.org/zap"
)

// Handlers is everything the router mounts.
type Handlers struct {
	Health   *HealthHandler
	Auth     *AuthHandler
	Users    *UserHandler
	Projects *ProjectHandler
	Orgs     *OrgHandler
	Cleanup  *CleanupHandler
}

// RouterConfig carries the secrets the middleware needs.
type RouterConfig struct {
	JWTSecret    string
	CleanupToken string
}

// NewRouter builds the /v1 API.
//
// Three auth zones: public (health, signup, login), optional (project reads,
// so public projects work without a token) and required (everything else).
// The cleanup outbox is machine-only and uses a service token instead.
func NewRouter(h Handlers, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	srv := gin.New()
	srv.Use(observ.GinLogger(logger), gin.Recovery())

	v1 := srv.Group("/v1")
	v1.GET("/health", h.Health.Check)
	v1.POST("/auth/signup", h.Auth.Signup)
	v1.POST("/auth/login", h.Auth.Login)

	// Project routes accept anonymous callers; the service decides. An
	// anonymous write on a public project is a 403, on a private one a 401.
	projects := v1.Group("/projects", middleware.OptionalAuth(cfg.JWTSecret))
	projects.GET("", h.Projects.List)
	projects.POST("", h.Projects.Save)
	projects.GET("/:id", h.Projects.Get)
	projects.PATCH("/:id", h.Projects.Patch)
	projects.DELETE("/:id", h.Projects.Delete)
	projects.POST("/:id/join", h.Projects.Join)

	comments := projects.Group("/:id/assets/:assetId/versions/:versionId/comments")
	comments.POST("", h.Projects.CreateComment)
	comments.PATCH("/:commentId", h.Projects.UpdateComment)
	comments.DELETE("/:commentId", h.Projects.DeleteComment)

	authed := v1.Group("", middleware.AuthMiddleware(cfg.JWTSecret))
	authed.GET("/users/me", h.Users.GetMe)
	authed.POST("/orgs", h.Orgs.Create)
	authed.GET("/orgs", h.Orgs.List)
	authed.GET("/orgs/:id/members", h.Orgs.ListMembers)
	authed.POST("/orgs/:id/members", h.Orgs.AddMember)
	authed.DELETE("/orgs/:id/members/:userId", h.Orgs.RemoveMember)

	cleanup := v1.Group("/storage/cleanup", middleware.ServiceToken(cfg.CleanupToken))
	cleanup.GET("", h.Cleanup.List)
	cleanup.POST("/ack", h.Cleanup.Ack)

	return srv
}
