package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/unggoy/unggoy-api/internal/session"
	"github.com/unggoy/unggoy-api/internal/tokenchain"
)

func main() {
	// a missing .env is fine, flags and the environment still apply
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "unggoy-api",
		Usage:   "backend for the unggoy forge browser",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "text or json",
				Value:   "text",
				EnvVars: []string{"LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "sqlite path or postgres:// url",
				Required: true,
				EnvVars:  []string{"DATABASE_URL"},
			},
			&cli.IntFlag{
				Name:    "database-max-conns",
				Value:   10,
				EnvVars: []string{"DATABASE_MAX_CONNS"},
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			runServe,
			runSweepSessions,
		},
	}

	app.RunAndExitOnError()
}

var runServe = &cli.Command{
	Name:  "serve",
	Usage: "run the http api",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Value:   ":8080",
			EnvVars: []string{"ADDR"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "service token cache. Leave empty to run without one",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "entra-tenant",
			Value:   "consumers",
			EnvVars: []string{"ENTRA_TENANT_ID"},
		},
		&cli.StringFlag{
			Name:     "entra-client-id",
			Required: true,
			EnvVars:  []string{"ENTRA_CLIENT_ID"},
		},
		&cli.StringFlag{
			Name:    "entra-client-secret",
			EnvVars: []string{"ENTRA_CLIENT_SECRET"},
		},
		&cli.StringFlag{
			Name:     "entra-redirect-uri",
			Required: true,
			EnvVars:  []string{"ENTRA_REDIRECT_URI"},
		},
		&cli.StringSliceFlag{
			Name:    "entra-scopes",
			EnvVars: []string{"ENTRA_SCOPES"},
		},
		&cli.StringFlag{
			Name:    "entra-issuer",
			EnvVars: []string{"ENTRA_ISSUER"},
		},
		&cli.StringFlag{
			Name:    "frontend-url",
			Usage:   "where logins and logouts land when no return url is given",
			Value:   "/",
			EnvVars: []string{"FRONTEND_URL"},
		},
		&cli.StringFlag{
			Name:    "login-error-url",
			Value:   "/login",
			EnvVars: []string{"LOGIN_ERROR_URL"},
		},
		&cli.StringSliceFlag{
			Name:    "allowed-redirect-hosts",
			Usage:   "hosts absolute return urls may point at. *.example.com matches subdomains",
			EnvVars: []string{"ALLOWED_REDIRECT_HOSTS"},
		},
		&cli.StringSliceFlag{
			Name:    "allowed-origins",
			Usage:   "hosts accepted in the Origin header of writes. Empty means same host only",
			EnvVars: []string{"ALLOWED_ORIGINS"},
		},
		&cli.StringSliceFlag{
			Name:    "cors-origins",
			EnvVars: []string{"CORS_ORIGINS"},
		},
		&cli.StringFlag{
			Name:    "cookie-domain",
			EnvVars: []string{"COOKIE_DOMAIN"},
		},
		&cli.StringFlag{
			Name:     "cookie-hash-key",
			Usage:    "hex encoded, see helper generate-cookie-keys",
			Required: true,
			EnvVars:  []string{"COOKIE_HASH_KEY"},
		},
		&cli.StringFlag{
			Name:     "cookie-block-key",
			Usage:    "hex encoded, see helper generate-cookie-keys",
			Required: true,
			EnvVars:  []string{"COOKIE_BLOCK_KEY"},
		},
		&cli.BoolFlag{
			Name:    "secure-cookies",
			Value:   true,
			EnvVars: []string{"SECURE_COOKIES"},
		},
		&cli.DurationFlag{
			Name:    "session-ttl",
			Value:   session.DefaultTTL,
			EnvVars: []string{"SESSION_TTL"},
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Value:   time.Hour,
			EnvVars: []string{"SESSION_SWEEP_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "hop-timeout",
			Value:   10 * time.Second,
			EnvVars: []string{"HOP_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "refresh-skew",
			Value:   tokenchain.DefaultSkew,
			EnvVars: []string{"REFRESH_SKEW"},
		},
		&cli.BoolFlag{
			Name:    "skip-clearance",
			EnvVars: []string{"SKIP_CLEARANCE"},
		},
		&cli.IntFlag{
			Name:    "playlist-limit",
			Value:   50,
			EnvVars: []string{"PLAYLIST_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "user-token-url",
			EnvVars: []string{"PLATFORM_USER_TOKEN_URL"},
		},
		&cli.StringFlag{
			Name:    "security-token-url",
			EnvVars: []string{"PLATFORM_SECURITY_TOKEN_URL"},
		},
		&cli.StringFlag{
			Name:    "service-token-url",
			EnvVars: []string{"PLATFORM_SERVICE_TOKEN_URL"},
		},
		&cli.StringFlag{
			Name:    "clearance-url",
			EnvVars: []string{"PLATFORM_CLEARANCE_URL"},
		},
	},
	Action: serve,
}

var runSweepSessions = &cli.Command{
	Name:   "sweep-sessions",
	Usage:  "delete expired sessions once and exit",
	Action: sweepSessions,
}

func setupLogging(cmd *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cmd.String("log-format")) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return fmt.Errorf("unknown log format %q", cmd.String("log-format"))
	}

	slog.SetDefault(slog.New(handler).With("version", versioninfo.Short()))

	return nil
}
