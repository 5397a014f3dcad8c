package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/session"
	"github.com/unggoy/unggoy-api/internal/store"
)

const (
	ctxUser    = "user"
	ctxSession = "session"
)

// authenticate resolves the session cookie into a user for every request. Requests that fail
// the Origin check are treated as anonymous rather than rejected.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cookie, err := c.Cookie(s.sessions.CookieName())
		if err != nil || cookie.Value == "" {
			return next(c)
		}

		if !s.sessions.VerifyOrigin(c.Request()) {
			s.logger.Debug("origin check failed", "origin", c.Request().Header.Get("Origin"), "host", c.Request().Host)
			return next(c)
		}

		ctx := c.Request().Context()

		sess, user, err := s.sessions.Validate(ctx, cookie.Value)
		if err != nil {
			return err
		}

		if sess == nil {
			c.SetCookie(s.sessions.BlankCookie())
			return next(c)
		}

		if sess.Fresh {
			if err := s.sessions.RotateIfFresh(ctx, sess); err != nil {
				return err
			}
			c.SetCookie(s.sessions.Cookie(sess))
		}

		c.Set(ctxUser, user)
		c.Set(ctxSession, sess)

		return next(c)
	}
}

func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if currentUser(c) == nil {
			return autherr.ErrUnauthorized
		}
		return next(c)
	}
}

// currentUser is nil for anonymous requests.
func currentUser(c echo.Context) *store.User {
	u, _ := c.Get(ctxUser).(*store.User)
	return u
}

func currentSession(c echo.Context) *session.Session {
	s, _ := c.Get(ctxSession).(*session.Session)
	return s
}

// clientIP prefers the address Cloudflare saw.
func clientIP(c echo.Context) string {
	if ip := c.Request().Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	return c.RealIP()
}

func playlistRateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(perSecond),
			Burst: burst,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return clientIP(c), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "Too Many Requests")
		},
	})
}
