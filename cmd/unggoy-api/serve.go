package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gorilla/sessions"
	"github.com/urfave/cli/v2"

	oauth "github.com/unggoy/unggoy-api"
	"github.com/unggoy/unggoy-api/internal/cache"
	"github.com/unggoy/unggoy-api/internal/login"
	"github.com/unggoy/unggoy-api/internal/platform"
	"github.com/unggoy/unggoy-api/internal/profile"
	"github.com/unggoy/unggoy-api/internal/server"
	"github.com/unggoy/unggoy-api/internal/session"
	"github.com/unggoy/unggoy-api/internal/store"
	"github.com/unggoy/unggoy-api/internal/tokenchain"
	"github.com/unggoy/unggoy-api/internal/waypoint"
)

func openStore(cmd *cli.Context) (*store.Store, error) {
	return store.Open(cmd.Context, store.OpenArgs{
		Dsn:      cmd.String("database-url"),
		MaxConns: cmd.Int("database-max-conns"),
		Logger:   slog.Default(),
	})
}

// cookieKey decodes a hex key and checks it has one of the given lengths.
func cookieKey(cmd *cli.Context, name string, sizes ...int) ([]byte, error) {
	b, err := hex.DecodeString(cmd.String(name))
	if err != nil {
		return nil, fmt.Errorf("%s is not hex: %w", name, err)
	}
	if !slices.Contains(sizes, len(b)) {
		return nil, fmt.Errorf("%s must be one of %v bytes long, got %d", name, sizes, len(b))
	}
	return b, nil
}

func serve(cmd *cli.Context) error {
	ctx, stop := signal.NotifyContext(cmd.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	hashKey, err := cookieKey(cmd, "cookie-hash-key", 32, 64)
	if err != nil {
		return err
	}
	blockKey, err := cookieKey(cmd, "cookie-block-key", 16, 24, 32)
	if err != nil {
		return err
	}

	h := &http.Client{
		Timeout: cmd.Duration("hop-timeout"),
	}

	idp, err := oauth.NewClient(oauth.ClientArgs{
		H:            h,
		TenantId:     cmd.String("entra-tenant"),
		ClientId:     cmd.String("entra-client-id"),
		ClientSecret: cmd.String("entra-client-secret"),
		RedirectUri:  cmd.String("entra-redirect-uri"),
		Scopes:       cmd.StringSlice("entra-scopes"),
		Issuer:       cmd.String("entra-issuer"),
		Timeout:      cmd.Duration("hop-timeout"),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create identity provider client: %w", err)
	}

	exchanger, err := platform.NewClient(platform.ClientArgs{
		H: h,
		Endpoints: platform.Endpoints{
			UserToken:     cmd.String("user-token-url"),
			SecurityToken: cmd.String("security-token-url"),
			ServiceToken:  cmd.String("service-token-url"),
			Clearance:     cmd.String("clearance-url"),
		},
		SkipClearance: cmd.Bool("skip-clearance"),
		Timeout:       cmd.Duration("hop-timeout"),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("could not create platform client: %w", err)
	}

	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	pingers := map[string]server.Pinger{}

	chainArgs := tokenchain.OrchestratorArgs{
		IdentityProvider: idp,
		Exchanger:        exchanger,
		Store:            db,
		Skew:             cmd.Duration("refresh-skew"),
		Logger:           logger,
	}

	if redisURL := cmd.String("redis-url"); redisURL != "" {
		tokenCache, err := cache.Connect(ctx, redisURL)
		if err != nil {
			return err
		}
		defer tokenCache.Close()

		chainArgs.Cache = tokenCache
		chainArgs.Locker = tokenCache
		pingers["redis"] = tokenCache
	} else {
		logger.Warn("no redis url configured, service tokens will not be cached")
	}

	chain, err := tokenchain.NewOrchestrator(chainArgs)
	if err != nil {
		return err
	}

	sessionManager, err := session.NewManager(session.ManagerArgs{
		Store: db,
		TTL:   cmd.Duration("session-ttl"),
		Cookie: session.CookieConfig{
			Domain: cmd.String("cookie-domain"),
			Secure: cmd.Bool("secure-cookies"),
		},
		AllowedOrigins: cmd.StringSlice("allowed-origins"),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	sessionManager.StartSweeper(cmd.Duration("sweep-interval"))
	defer sessionManager.Stop()

	content := waypoint.NewClient(waypoint.ClientArgs{
		H:       h,
		Timeout: cmd.Duration("hop-timeout"),
		Logger:  logger,
	})

	profiles, err := profile.NewReconciler(profile.ReconcilerArgs{
		Store:      db,
		Appearance: content,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	flow, err := login.NewFlow(login.FlowArgs{
		Authorizer:           idp,
		Chain:                chain,
		Profiles:             profiles,
		Sessions:             sessionManager,
		AllowedRedirectHosts: cmd.StringSlice("allowed-redirect-hosts"),
		DefaultReturnURL:     cmd.String("frontend-url"),
		ErrorURL:             cmd.String("login-error-url"),
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Args{
		Store:         db,
		Sessions:      sessionManager,
		Flow:          flow,
		Tokens:        chain,
		Content:       content,
		CookieStore:   sessions.NewCookieStore(hashKey, blockKey),
		Secure:        cmd.Bool("secure-cookies"),
		CORSOrigins:   cmd.StringSlice("cors-origins"),
		PlaylistLimit: cmd.Int("playlist-limit"),
		Pingers:       pingers,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cmd.String("addr"))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not shut down cleanly: %w", err)
	}

	return <-errCh
}

func sweepSessions(cmd *cli.Context) error {
	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	sessionManager, err := session.NewManager(session.ManagerArgs{Store: db})
	if err != nil {
		return err
	}

	n, err := sessionManager.Sweep(cmd.Context)
	if err != nil {
		return err
	}

	slog.Info("expired sessions deleted", "count", n)

	return nil
}
