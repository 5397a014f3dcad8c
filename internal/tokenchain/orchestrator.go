// Package tokenchain drives the identity provider and platform exchanges that turn a login or a
// stored refresh token into a PlatformSession, and hands out service tokens to callers.
package tokenchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	oauth "github.com/unggoy/unggoy-api"
	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/metrics"
	"github.com/unggoy/unggoy-api/internal/platform"
)

const (
	DefaultSkew           = 5 * time.Minute
	DefaultRefreshTimeout = 60 * time.Second

	lockPoll = 100 * time.Millisecond

	entryLogin   = "login"
	entryRun     = "run"
	entryRefresh = "refresh"
)

// ErrPlatformSessionUnavailable is wrapped into every failure of ServiceToken. The caller
// should ask the user to log in again.
var ErrPlatformSessionUnavailable = errors.New("platform session unavailable")

type Orchestrator struct {
	idp       IdentityProvider
	exchanger Exchanger
	store     Store
	cache     Cache
	locker    Locker

	skew           time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger

	flights singleflight.Group
}

type OrchestratorArgs struct {
	IdentityProvider IdentityProvider
	Exchanger        Exchanger
	Store            Store
	// Cache is optional.
	Cache Cache
	// Locker is optional. Without it refreshes are only coalesced within this process.
	Locker Locker

	Skew time.Duration
	// RefreshTimeout bounds a whole refresh chain run. The run is detached from the caller
	// that started it since other callers may be waiting on it.
	RefreshTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

func NewOrchestrator(args OrchestratorArgs) (*Orchestrator, error) {
	if args.IdentityProvider == nil {
		return nil, fmt.Errorf("no identity provider provided")
	}

	if args.Exchanger == nil {
		return nil, fmt.Errorf("no platform exchanger provided")
	}

	if args.Store == nil {
		return nil, fmt.Errorf("no store provided")
	}

	if args.Skew <= 0 {
		args.Skew = DefaultSkew
	}

	if args.RefreshTimeout <= 0 {
		args.RefreshTimeout = DefaultRefreshTimeout
	}

	if args.Now == nil {
		args.Now = time.Now
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Orchestrator{
		idp:            args.IdentityProvider,
		exchanger:      args.Exchanger,
		store:          args.Store,
		cache:          args.Cache,
		locker:         args.Locker,
		skew:           args.Skew,
		refreshTimeout: args.RefreshTimeout,
		now:            args.Now,
		logger:         args.Logger.With("component", "tokenchain"),
	}, nil
}

// Login runs the full chain starting from an authorization code.
func (o *Orchestrator) Login(ctx context.Context, code, verifier string) (*LoginResult, error) {
	r := o.newRun(entryLogin)

	r.enter(ExchangingCode)
	tokens, err := o.idp.CompleteAuthorization(ctx, code, verifier)
	if err != nil {
		return nil, r.fail(err)
	}

	ps, err := o.Run(withRun(ctx, r), tokens)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Identity: tokens.Identity,
		Session:  ps,
	}, nil
}

// Run walks the platform hops for Entra tokens that were already obtained. Login and Refresh
// hand off to it once they hold an access token; called directly it starts from Idle.
func (o *Orchestrator) Run(ctx context.Context, tokens *oauth.TokenResponse) (*PlatformSession, error) {
	r, ok := ctx.Value(runKey{}).(*run)
	if !ok {
		r = o.newRun(entryRun)
	}

	return o.walk(ctx, r, tokens.AccessToken, tokens.RefreshToken)
}

// Refresh runs the refresh grant and then the platform hops. Nothing is persisted here.
func (o *Orchestrator) Refresh(ctx context.Context, refreshToken string) (*PlatformSession, error) {
	r := o.newRun(entryRefresh)

	r.enter(ExchangingCode)
	tokens, err := o.idp.RefreshTokenRequest(ctx, refreshToken)
	if err != nil {
		return nil, r.fail(err)
	}

	return o.Run(withRun(ctx, r), tokens)
}

func (o *Orchestrator) walk(ctx context.Context, r *run, accessToken, refreshToken string) (*PlatformSession, error) {
	r.enter(ExchangingUserToken)
	user, err := o.exchanger.UserToken(ctx, accessToken).Get()
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(ExchangingSecurityTokens)
	var xbox, halo *platform.Token
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		xbox, err = o.exchanger.SecurityToken(gctx, user.Value, platform.AudienceXbox).Get()
		return err
	})
	g.Go(func() error {
		var err error
		halo, err = o.exchanger.SecurityToken(gctx, user.Value, platform.AudienceHalo).Get()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, r.fail(err)
	}

	if xbox.Claims == nil || xbox.Claims.PlatformUserID == "" {
		return nil, r.fail(autherr.New(autherr.KindPlatformAuth, platform.HopXSTSXbox, errors.New("security token carried no identity claims")))
	}

	r.enter(ExchangingServiceToken)
	spartan, err := o.exchanger.ServiceToken(ctx, halo.Value).Get()
	if err != nil {
		return nil, r.fail(err)
	}

	var clearance string
	if o.exchanger.ClearanceEnabled() {
		c, err := o.exchanger.ClearanceToken(ctx, spartan.Value, xbox.Claims.PlatformUserID).Get()
		if err != nil {
			return nil, r.fail(err)
		}
		clearance = c.Value
	}

	r.enter(Complete)

	return &PlatformSession{
		PlatformUserID: xbox.Claims.PlatformUserID,
		DisplayName:    xbox.Claims.DisplayName,
		ServiceToken: ServiceToken{
			Value:     spartan.Value,
			ExpiresAt: spartan.ExpiresAt,
		},
		ClearanceToken: clearance,
		RefreshToken:   refreshToken,
	}, nil
}

// Save persists a completed PlatformSession and primes the cache with its service token.
func (o *Orchestrator) Save(ctx context.Context, userID string, ps *PlatformSession) error {
	if err := o.store.SavePlatformSession(ctx, userID, ps); err != nil {
		return fmt.Errorf("could not save platform session: %w", err)
	}

	o.prime(ctx, userID, ps.Credentials())

	return nil
}

// ServiceToken returns usable credentials for userID, running the refresh chain when the
// stored service token is expired or about to be. Concurrent callers for the same user share a
// single refresh.
func (o *Orchestrator) ServiceToken(ctx context.Context, userID string) (*platform.Credentials, error) {
	if o.cache != nil {
		creds, err := o.cache.Get(ctx, userID)
		if err != nil {
			o.logger.Warn("service token cache lookup failed", "user", userID, "error", err)
		} else if creds != nil && o.now().Add(o.skew).Before(creds.ExpiresAt) {
			metrics.ServiceTokenLookups.WithLabelValues("cache").Inc()
			return creds, nil
		}
	}

	ps, err := o.store.GetPlatformSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("could not load platform session: %w", err)
	}

	if ps == nil {
		return nil, unavailable(errors.New("no platform session stored"))
	}

	if !ps.NeedsRefresh(o.now(), o.skew) {
		metrics.ServiceTokenLookups.WithLabelValues("store").Inc()
		creds := ps.Credentials()
		o.prime(ctx, userID, creds)
		return &creds, nil
	}

	return o.refreshFor(ctx, userID)
}

func (o *Orchestrator) refreshFor(ctx context.Context, userID string) (*platform.Credentials, error) {
	ch := o.flights.DoChan(userID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.refreshTimeout)
		defer cancel()

		if o.locker == nil {
			return o.refreshStored(fctx, userID)
		}
		return o.refreshLocked(fctx, userID)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.RefreshesCoalesced.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		creds := res.Val.(platform.Credentials)
		return &creds, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refreshLocked waits for the cross-instance lock. While another instance holds it the stored
// session is polled, and its result is used as soon as it lands.
func (o *Orchestrator) refreshLocked(ctx context.Context, userID string) (platform.Credentials, error) {
	for {
		unlock, ok, err := o.locker.Lock(ctx, userID, o.refreshTimeout)
		if err != nil {
			o.logger.Warn("could not take refresh lock, refreshing anyway", "user", userID, "error", err)
			return o.refreshStored(ctx, userID)
		}
		if ok {
			defer unlock()
			return o.refreshStored(ctx, userID)
		}

		select {
		case <-ctx.Done():
			return platform.Credentials{}, unavailable(fmt.Errorf("waiting for refresh lock: %w", ctx.Err()))
		case <-time.After(lockPoll):
		}

		ps, err := o.store.GetPlatformSession(ctx, userID)
		if err != nil {
			return platform.Credentials{}, fmt.Errorf("could not load platform session: %w", err)
		}
		if ps != nil && !ps.NeedsRefresh(o.now(), o.skew) {
			metrics.RefreshesCoalesced.Inc()
			creds := ps.Credentials()
			o.prime(ctx, userID, creds)
			return creds, nil
		}
	}
}

func (o *Orchestrator) refreshStored(ctx context.Context, userID string) (platform.Credentials, error) {
	// another flight may have finished between our read and joining this one
	ps, err := o.store.GetPlatformSession(ctx, userID)
	if err != nil {
		return platform.Credentials{}, fmt.Errorf("could not load platform session: %w", err)
	}
	if ps == nil {
		return platform.Credentials{}, unavailable(errors.New("no platform session stored"))
	}
	if !ps.NeedsRefresh(o.now(), o.skew) {
		return ps.Credentials(), nil
	}

	next, err := o.Refresh(ctx, ps.RefreshToken)
	if err != nil {
		if errors.Is(err, autherr.ErrUpstreamAuth) {
			o.evict(ctx, userID)
		}
		return platform.Credentials{}, unavailable(err)
	}

	if err := o.Save(ctx, userID, next); err != nil {
		return platform.Credentials{}, err
	}

	metrics.ServiceTokenLookups.WithLabelValues("refresh").Inc()

	return next.Credentials(), nil
}

func (o *Orchestrator) prime(ctx context.Context, userID string, creds platform.Credentials) {
	if o.cache == nil {
		return
	}

	if err := o.cache.Set(ctx, userID, creds); err != nil {
		o.logger.Warn("could not cache service token", "user", userID, "error", err)
	}
}

// evict drops cached credentials once the refresh token behind them has been rejected.
func (o *Orchestrator) evict(ctx context.Context, userID string) {
	if o.cache == nil {
		return
	}

	if err := o.cache.Delete(ctx, userID); err != nil {
		o.logger.Warn("could not evict service token", "user", userID, "error", err)
	}
}

func unavailable(err error) error {
	return autherr.New(autherr.KindPlatformAuth, autherr.HopOf(err), fmt.Errorf("%w: %w", ErrPlatformSessionUnavailable, err))
}

type runKey struct{}

func withRun(ctx context.Context, r *run) context.Context {
	return context.WithValue(ctx, runKey{}, r)
}

// run tracks one pass through the state machine for logging and metrics.
type run struct {
	entry  string
	state  State
	start  time.Time
	logger *slog.Logger
}

func (o *Orchestrator) newRun(entry string) *run {
	return &run{
		entry:  entry,
		state:  Idle,
		start:  time.Now(),
		logger: o.logger.With("entry", entry),
	}
}

func (r *run) enter(next State) {
	if !r.state.CanTransition(next) {
		r.logger.Error("invalid token chain transition", "from", r.state, "to", next)
	}

	r.logger.Debug("token chain transition", "from", r.state, "to", next)
	r.state = next

	if next == Complete {
		metrics.ChainRuns.WithLabelValues(r.entry, "complete").Inc()
		metrics.ChainDuration.WithLabelValues(r.entry).Observe(time.Since(r.start).Seconds())
	}
}

// fail moves the run to Failed and returns err unchanged.
func (r *run) fail(err error) error {
	hop := autherr.HopOf(err)
	kind := autherr.KindOf(err)

	r.logger.Warn("token chain failed",
		"state", r.state,
		"hop", hop,
		"kind", kind,
		"error", err,
	)

	r.state = Failed

	metrics.ChainRuns.WithLabelValues(r.entry, "failed").Inc()
	metrics.ChainDuration.WithLabelValues(r.entry).Observe(time.Since(r.start).Seconds())
	metrics.HopFailures.WithLabelValues(hop, kind.String()).Inc()

	return err
}
