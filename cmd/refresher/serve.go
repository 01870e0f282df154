package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/marketdesk/refresher/internal/api"
	"github.com/marketdesk/refresher/internal/auth"
	"github.com/marketdesk/refresher/internal/log"
	"github.com/marketdesk/refresher/internal/metrics"
	"github.com/marketdesk/refresher/internal/service"
	"github.com/marketdesk/refresher/internal/static"

	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"

	// admission windows name IANA zones, do not depend on the host database
	_ "time/tzdata"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP API, the dashboard and the scheduler",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("refresher",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	m := metrics.New()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()
	if err := seedAdmin(ctx, store); err != nil {
		return err
	}

	var assets http.Handler
	cache, err := static.New(config.Service.StaticDir, m)
	if err != nil {
		slog.WarnContext(ctx, "dashboard is not served", "dir", config.Service.StaticDir, "error", err)
	} else {
		defer func() {
			_ = cache.Close()
		}()
		assets = cache
	}

	g, ctx := errgroup.WithContext(ctx)

	supervisor, err := service.SupervisorFromConfig(ctx, config, m)
	if err != nil {
		return err
	}
	server, err := api.FromConfig(config, supervisor, store, assets, m)
	if err != nil {
		return err
	}

	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	g.Go(func() error {
		return server.Run(ctx)
	})
	return g.Wait()
}

func openStore(ctx context.Context) (*auth.Store, error) {
	store, err := auth.Open(ctx, config.Auth.Database, auth.Options{
		SessionTTL:  config.SessionTTL(),
		MinUsername: config.Auth.MinUsername,
		MinPassword: config.Auth.MinPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("opening user database %s: %w", config.Auth.Database, err)
	}
	return store, nil
}

func seedAdmin(ctx context.Context, store *auth.Store) error {
	seed := config.Auth.SeedAdmin
	if seed == nil {
		return nil
	}
	created, generated, err := store.EnsureSeedAdmin(ctx, auth.SeedAdmin{
		Username:    seed.Username,
		Password:    seed.Password,
		DisplayName: seed.DisplayName,
	})
	if err != nil {
		return fmt.Errorf("creating seed admin: %w", err)
	}
	switch {
	case generated != "":
		slog.WarnContext(ctx, "seed admin created with a generated password, change it with refresher user passwd",
			"username", seed.Username, "password", generated)
	case created:
		slog.InfoContext(ctx, "seed admin created", "username", seed.Username)
	}
	return nil
}
