package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lalith-99/reviewsync/internal/auth"
	"github.com/lalith-99/reviewsync/internal/client"
	"github.com/lalith-99/reviewsync/internal/localcache"
	"github.com/lalith-99/reviewsync/internal/observ"
	"github.com/lalith-99/reviewsync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reviewctl",
	Short: "Keep a local copy of your ReviewSync projects in sync",
	Long: `reviewctl mirrors the projects you can see into a local cache and
pushes your edits back to the server.

Settings come from flags, REVIEWSYNC_* environment variables, or
~/.reviewsync.yaml, in that order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadSettings(cmd)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("server", "http://localhost:8080", "ReviewSync server URL")
	flags.String("token", "", "bearer token (from /v1/auth/login)")
	flags.String("cache", defaultCachePath(), "local cache database")
	flags.String("org", "", "organization context; empty for personal projects")
	flags.Duration("poll-interval", 5*time.Second, "how often to poll the server")
	flags.Duration("suppress-window", 10*time.Second, "how long to hold polls after a local edit")
	flags.Duration("timeout", 15*time.Second, "per-request timeout")
	flags.String("log-level", "warn", "log level")

	rootCmd.AddCommand(syncCmd, listCmd, joinCmd, patchCmd, saveCmd, deleteCmd)
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "reviewsync-cache.db"
	}
	return filepath.Join(home, ".reviewsync", "cache.db")
}

// loadSettings takes the command instead of using rootCmd, which would make
// rootCmd's initializer refer to itself.
func loadSettings(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	viper.SetEnvPrefix("REVIEWSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(".reviewsync")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// session is everything a command needs to talk to the server and the cache.
type session struct {
	logger *zap.Logger
	store  *localcache.Store
	rec    *syncer.Reconciler
}

func openSession(ctx context.Context, needToken bool) (*session, error) {
	logger, err := observ.NewLogger("development", viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	token := viper.GetString("token")
	opts := syncer.Options{
		OrgID:          viper.GetString("org"),
		PollInterval:   viper.GetDuration("poll-interval"),
		SuppressWindow: viper.GetDuration("suppress-window"),
	}
	if token != "" {
		claims, err := auth.ReadClaims(token)
		if err != nil {
			return nil, err
		}
		opts.UserID, opts.UserName = claims.UserID, claims.Name
	} else if needToken {
		return nil, errors.New("no token: pass --token or set REVIEWSYNC_TOKEN")
	}

	path := viper.GetString("cache")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	store, err := localcache.Open(ctx, path)
	if err != nil {
		return nil, err
	}

	cache := syncer.NewCache(store, logger)
	if err := cache.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	api := client.New(viper.GetString("server"), token, viper.GetDuration("timeout"), logger)
	return &session{
		logger: logger,
		store:  store,
		rec:    syncer.NewReconciler(api, cache, opts, logger),
	}, nil
}

func (s *session) Close() {
	s.store.Close()
	_ = s.logger.Sync()
}
