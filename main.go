package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"confab/internal/api"
	"confab/internal/auth"
	"confab/internal/commands"
	"confab/internal/config"
	"confab/internal/directory"
	"confab/internal/http"
	"confab/internal/ledger"
	"confab/internal/notify"
	"confab/internal/presence"
	"confab/internal/storage"
	"confab/internal/typing"
	"confab/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addUser, displayName string) error {
	cfg, err := config.Load(addUser != "")
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, displayName, cfg)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService, err := auth.New(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	broker := notify.NewBroker()

	dir := directory.New(store, broker)
	led := ledger.New(store, broker)
	pres := presence.New(store, broker)
	bcast := typing.NewBroadcaster(broker)

	wsServer := ws.NewServer(authService, store, dir, led, pres, bcast, broker, cfg.HistoryLimit)
	handlers := api.New(authService, store, dir, led, pres)
	adminHandler := api.NewAdminHandler(store, pres)

	apiServer := http.NewAPIServer(authService, handlers, wsServer, cfg.APIAddr)
	adminServer := http.NewAdminServer(adminHandler, cfg.AdminAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Wire the bridge before any listener goes live so no publish can race
	// the forward hook.
	if cfg.RedisURL != "" {
		bridge, err := notify.NewRedisBridge(gCtx, broker, cfg.RedisURL)
		if err != nil {
			return err
		}
		g.Go(func() error { return bridge.Run(gCtx) })
	}

	g.Go(apiServer.Start)
	g.Go(adminServer.Start)

	// Periodic sweep flips presence rows whose owner vanished without an
	// offline write.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := pres.Sweep(gCtx, cfg.PresenceMaxAge); err != nil {
					slog.Warn("presence sweep failed", "error", err)
				} else if n > 0 {
					slog.Info("presence sweep", "flipped", n)
				}
			case <-gCtx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("api server shutdown error", "error", err)
		}
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.PostgresDSN != "" {
		pg, err := storage.NewPgStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	}
	return storage.NewBboltStore(cfg.DBFile)
}

func main() {
	addUser := flag.String("add-user", "", "Username to provision through the admin API of a running instance")
	displayName := flag.String("display-name", "", "Display name for -add-user (defaults to the username)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser, *displayName); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
