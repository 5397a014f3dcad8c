// Package server is the HTTP boundary: routing, cookies, the session middleware and the JSON
// error contract.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/echoprometheus"
	echosession "github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/login"
	"github.com/unggoy/unggoy-api/internal/platform"
	"github.com/unggoy/unggoy-api/internal/session"
	"github.com/unggoy/unggoy-api/internal/store"
	"github.com/unggoy/unggoy-api/internal/waypoint"
)

const (
	DefaultPlaylistLimit = 50

	attemptCookieName = "entra_oauth_attempt"
)

type ServiceTokens interface {
	ServiceToken(ctx context.Context, userID string) (*platform.Credentials, error)
}

type Content interface {
	MapAsset(ctx context.Context, creds platform.Credentials, assetID string) (*waypoint.MapAsset, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	e *echo.Echo

	mu     sync.Mutex
	httpd  *http.Server
	closed bool

	store         *store.Store
	sessions      *session.Manager
	flow          *login.Flow
	tokens        ServiceTokens
	content       Content
	pingers       map[string]Pinger
	secure        bool
	playlistLimit int
	logger        *slog.Logger
}

type Args struct {
	Store    *store.Store
	Sessions *session.Manager
	Flow     *login.Flow
	Tokens   ServiceTokens
	Content  Content
	// CookieStore encrypts the login attempt cookie.
	CookieStore sessions.Store
	// Secure marks every cookie Secure. Turn off only for plain http development.
	Secure bool
	// CORSOrigins enables credentialed CORS for the listed origins.
	CORSOrigins   []string
	PlaylistLimit int
	// PlaylistWriteRate limits playlist updates and deletes per client.
	PlaylistWriteRate  float64
	PlaylistWriteBurst int
	// Pingers are checked by the health endpoint, by name.
	Pingers map[string]Pinger
	// Registry receives the HTTP metrics. Defaults to the global registry.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

func New(args Args) (*Server, error) {
	if args.Store == nil || args.Sessions == nil || args.Flow == nil || args.Tokens == nil || args.Content == nil {
		return nil, fmt.Errorf("server is missing a dependency")
	}

	if args.CookieStore == nil {
		return nil, fmt.Errorf("no cookie store provided")
	}

	if args.PlaylistLimit <= 0 {
		args.PlaylistLimit = DefaultPlaylistLimit
	}

	if args.PlaylistWriteRate <= 0 {
		args.PlaylistWriteRate = 2.0 / 60
	}

	if args.PlaylistWriteBurst <= 0 {
		args.PlaylistWriteBurst = 2
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	s := &Server{
		store:         args.Store,
		sessions:      args.Sessions,
		flow:          args.Flow,
		tokens:        args.Tokens,
		content:       args.Content,
		pingers:       args.Pingers,
		secure:        args.Secure,
		playlistLimit: args.PlaylistLimit,
		logger:        args.Logger.With("component", "server"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if args.Registry != nil {
		registerer = args.Registry
		gatherer = args.Registry
	}

	e.Use(middleware.Recover())
	e.Use(slogecho.New(args.Logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "http",
		Namespace:  "unggoy",
		Registerer: registerer,
	}))

	if len(args.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     args.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowCredentials: true,
		}))
	}

	e.Use(echosession.Middleware(args.CookieStore))
	e.Use(s.authenticate)

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: gatherer}))

	e.GET("/login/azure", s.handleLoginBegin)
	e.GET("/login/xbox/callback", s.handleLoginCallback)
	e.POST("/logout", s.handleLogout)

	e.GET("/user", s.handleUser, requireUser)

	ugc := e.Group("/ugc")
	ugc.GET("/asset/:assetId", s.handleGetAsset)
	ugc.GET("/browse", s.handleBrowseAssets)
	ugc.GET("/maps/:assetId", s.handleMapProxy, requireUser)

	writeLimit := playlistRateLimiter(args.PlaylistWriteRate, args.PlaylistWriteBurst)

	playlists := e.Group("/playlist")
	playlists.POST("", s.handleCreatePlaylist, requireUser)
	playlists.GET("/browse", s.handleBrowsePlaylists)
	playlists.GET("/me", s.handleMyPlaylists, requireUser)
	playlists.GET("/:playlistId", s.handleGetPlaylist)
	playlists.PUT("/:playlistId", s.handleUpdatePlaylist, requireUser, writeLimit)
	playlists.DELETE("/:playlistId", s.handleDeletePlaylist, requireUser, writeLimit)
	playlists.POST("/:playlistId/asset/:assetId", s.handleAddPlaylistAsset, requireUser)
	playlists.DELETE("/:playlistId/asset/:assetId", s.handleRemovePlaylistAsset, requireUser)

	favorites := e.Group("/favorites", requireUser)
	favorites.GET("", s.handleListFavorites)
	favorites.POST("/:playlistId", s.handleAddFavorite)
	favorites.DELETE("/:playlistId", s.handleRemoveFavorite)

	s.e = e

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.e
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is not an error.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.httpd = &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpd := s.httpd
	s.mu.Unlock()

	s.logger.Info("starting http server", "addr", addr)

	if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown also stops a ListenAndServe that has not started yet.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleError renders autherr kinds with their generic message. Anything else is a 500 with no
// detail.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := autherr.Message(err)

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		status = he.Code
		msg = http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	case autherr.KindOf(err) != autherr.KindUnknown:
		status = autherr.Status(err)
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "status", status, "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorResponse{Error: msg})
	}
	if err != nil {
		s.logger.Error("could not write error response", "error", err)
	}
}
