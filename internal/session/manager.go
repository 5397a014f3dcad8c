// Package session issues and validates the local session cookie that stands in for a completed
// login.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/helpers"
	"github.com/unggoy/unggoy-api/internal/metrics"
	"github.com/unggoy/unggoy-api/internal/store"
)

const (
	DefaultCookieName = "auth_session"
	DefaultTTL        = 30 * 24 * time.Hour

	idBytes = 20
)

type Store interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	SessionWithUser(ctx context.Context, id string) (*store.Session, *store.User, error)
	ExtendSession(ctx context.Context, id string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	// Fresh is set on new sessions and on sessions past half their lifetime. The cookie must be
	// (re)issued for fresh sessions.
	Fresh bool
}

type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
}

type Manager struct {
	store          Store
	ttl            time.Duration
	cookie         CookieConfig
	allowedOrigins []string
	now            func() time.Time
	logger         *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type ManagerArgs struct {
	Store  Store
	TTL    time.Duration
	Cookie CookieConfig
	// AllowedOrigins are host patterns accepted in the Origin header of mutating requests. When
	// empty the Origin host must equal the request Host.
	AllowedOrigins []string
	Now            func() time.Time
	Logger         *slog.Logger
}

func NewManager(args ManagerArgs) (*Manager, error) {
	if args.Store == nil {
		return nil, fmt.Errorf("no session store provided")
	}

	if args.TTL <= 0 {
		args.TTL = DefaultTTL
	}

	if args.Cookie.Name == "" {
		args.Cookie.Name = DefaultCookieName
	}

	if args.Now == nil {
		args.Now = time.Now
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Manager{
		store:          args.Store,
		ttl:            args.TTL,
		cookie:         args.Cookie,
		allowedOrigins: args.AllowedOrigins,
		now:            args.Now,
		logger:         args.Logger.With("component", "session"),
		stopCh:         make(chan struct{}),
	}, nil
}

func (m *Manager) CookieName() string {
	return m.cookie.Name
}

func (m *Manager) Create(ctx context.Context, userID string) (*Session, error) {
	id, err := helpers.GenerateToken(idBytes)
	if err != nil {
		return nil, fmt.Errorf("could not generate session id: %w", err)
	}

	now := m.now()
	sess := &store.Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("could not create session: %w", err)
	}

	return &Session{
		ID:        sess.ID,
		UserID:    sess.UserID,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
		Fresh:     true,
	}, nil
}

// Validate returns nil, nil, nil for unknown or expired sessions. It never writes.
func (m *Manager) Validate(ctx context.Context, id string) (*Session, *store.User, error) {
	if id == "" {
		return nil, nil, nil
	}

	sess, user, err := m.store.SessionWithUser(ctx, id)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("could not load session: %w", err)
	}

	now := m.now()
	if !now.Before(sess.ExpiresAt) {
		return nil, nil, nil
	}

	return &Session{
		ID:        sess.ID,
		UserID:    sess.UserID,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
		Fresh:     sess.ExpiresAt.Sub(now) < m.ttl/2,
	}, user, nil
}

// RotateIfFresh pushes the expiry of a fresh session out to a full TTL. Non-fresh sessions are
// left alone.
func (m *Manager) RotateIfFresh(ctx context.Context, s *Session) error {
	if s == nil || !s.Fresh {
		return nil
	}

	expiresAt := m.now().Add(m.ttl)
	if err := m.store.ExtendSession(ctx, s.ID, expiresAt); err != nil {
		return fmt.Errorf("could not extend session: %w", err)
	}

	s.ExpiresAt = expiresAt
	return nil
}

func (m *Manager) Invalidate(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("could not delete session: %w", err)
	}
	return nil
}

func (m *Manager) Cookie(s *Session) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookie.Name,
		Value:    s.ID,
		Path:     "/",
		Domain:   m.cookie.Domain,
		Expires:  s.ExpiresAt,
		MaxAge:   int(s.ExpiresAt.Sub(m.now()).Seconds()),
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (m *Manager) BlankCookie() *http.Cookie {
	return &http.Cookie{
		Name:     m.cookie.Name,
		Value:    "",
		Path:     "/",
		Domain:   m.cookie.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// VerifyOrigin guards cookie authenticated requests against cross-site submission. Safe methods
// always pass.
func (m *Manager) VerifyOrigin(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	if len(m.allowedOrigins) == 0 {
		return u.Host == r.Host
	}

	return helpers.HostAllowed(u.Host, m.allowedOrigins)
}

// Sweep deletes expired sessions once.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("could not sweep sessions: %w", err)
	}

	metrics.SessionsSwept.Add(float64(n))
	if n > 0 {
		m.logger.Info("swept expired sessions", "count", n)
	}

	return n, nil
}

// StartSweeper runs Sweep every interval until Stop is called.
func (m *Manager) StartSweeper(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := m.Sweep(ctx); err != nil {
					m.logger.Error("session sweep failed", "error", err)
				}
				cancel()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
