package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/reviewsync/internal/api"
	"github.com/lalith-99/reviewsync/internal/config"
	"github.com/lalith-99/reviewsync/internal/db"
	"github.com/lalith-99/reviewsync/internal/identity"
	"github.com/lalith-99/reviewsync/internal/observ"
	"github.com/lalith-99/reviewsync/internal/project"
	"github.com/lalith-99/reviewsync/internal/repository"
	"github.com/lalith-99/reviewsync/internal/repository/postgres"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// SIGINT/SIGTERM cancel ctx; everything below shuts down from it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 3. Connect to Postgres and apply migrations
	// ---------------------------------------------------------------
	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// ---------------------------------------------------------------
	// 4. Connect to Redis (membership cache)
	//
	// Redis is an optimization. If it is down at startup we still serve,
	// reading memberships straight from Postgres.
	// ---------------------------------------------------------------
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, membership cache degraded", zap.Error(err))
	}

	// ---------------------------------------------------------------
	// 5. Repositories, identity directory, project service
	//
	// Assigned to the interface types so a missing method fails here at
	// compile time.
	// ---------------------------------------------------------------
	pool := database.Pool()
	var (
		projectRepo repository.ProjectRepository      = postgres.NewProjectStore(pool)
		cleanupRepo repository.CleanupRepository      = postgres.NewCleanupStore(pool)
		orgRepo     repository.OrganizationRepository = postgres.NewOrganizationStore(pool)
		userRepo    repository.UserRepository         = postgres.NewUserStore(pool)
	)

	directory := identity.NewCachedDirectory(identity.NewStoreDirectory(orgRepo), rdb, cfg.MembershipCacheTTL, logger)
	projects := project.NewService(projectRepo, cleanupRepo, directory, logger)

	// ---------------------------------------------------------------
	// 6. HTTP server
	// ---------------------------------------------------------------
	router := api.NewRouter(api.Handlers{
		Health: api.NewHealthHandler(api.PingFunc(database.Health), api.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}), logger),
		Auth:     api.NewAuthHandler(userRepo, cfg.JWTSecret, cfg.TokenTTL, logger),
		Users:    api.NewUserHandler(userRepo, logger),
		Projects: api.NewProjectHandler(projects, logger),
		Orgs:     api.NewOrgHandler(orgRepo, directory, directory, logger),
		Cleanup:  api.NewCleanupHandler(cleanupRepo, logger),
	}, api.RouterConfig{
		JWTSecret:    cfg.JWTSecret,
		CleanupToken: cfg.CleanupToken,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting ReviewSync",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}
