// Package login drives the browser login: it starts an authorization attempt, completes it at
// the callback and ends sessions at logout. Every operation returns an Outcome describing the
// response, and the HTTP layer turns that into redirects and cookies.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	oauth "github.com/unggoy/unggoy-api"
	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/helpers"
	"github.com/unggoy/unggoy-api/internal/metrics"
	"github.com/unggoy/unggoy-api/internal/platform"
	"github.com/unggoy/unggoy-api/internal/profile"
	"github.com/unggoy/unggoy-api/internal/session"
	"github.com/unggoy/unggoy-api/internal/store"
	"github.com/unggoy/unggoy-api/internal/tokenchain"
)

const ErrorCode = "login_failed"

type Authorizer interface {
	BeginAuthorization() (*oauth.AuthorizationRequest, error)
}

type Chain interface {
	Login(ctx context.Context, code, verifier string) (*tokenchain.LoginResult, error)
	Save(ctx context.Context, userID string, ps *tokenchain.PlatformSession) error
}

type Profiles interface {
	Reconcile(ctx context.Context, subject string, id profile.Identity) (*store.User, error)
	Enrich(ctx context.Context, creds platform.Credentials, id *profile.Identity)
}

type Sessions interface {
	Create(ctx context.Context, userID string) (*session.Session, error)
	Invalidate(ctx context.Context, id string) error
}

// Outcome is what the HTTP layer should answer with.
type Outcome struct {
	Status int
	// Redirect is set for 3xx outcomes.
	Redirect string
	// Session is set when a new session cookie must be issued.
	Session *session.Session
	// ClearSession blanks the session cookie.
	ClearSession bool
	Err          error
}

type Flow struct {
	authorizer   Authorizer
	chain        Chain
	profiles     Profiles
	sessions     Sessions
	allowedHosts []string
	defaultURL   string
	errorURL     string
	lifetime     time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

type FlowArgs struct {
	Authorizer Authorizer
	Chain      Chain
	Profiles   Profiles
	Sessions   Sessions
	// AllowedRedirectHosts are host patterns absolute return URLs may point at.
	AllowedRedirectHosts []string
	// DefaultReturnURL is used when the caller gives none.
	DefaultReturnURL string
	// ErrorURL receives failed logins, with an error query parameter appended.
	ErrorURL string
	Lifetime time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

func NewFlow(args FlowArgs) (*Flow, error) {
	if args.Authorizer == nil || args.Chain == nil || args.Profiles == nil || args.Sessions == nil {
		return nil, fmt.Errorf("login flow is missing a dependency")
	}

	if args.DefaultReturnURL == "" {
		args.DefaultReturnURL = "/"
	}

	if args.ErrorURL == "" {
		args.ErrorURL = "/login"
	}

	if args.Lifetime <= 0 {
		args.Lifetime = AttemptLifetime
	}

	if args.Now == nil {
		args.Now = time.Now
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Flow{
		authorizer:   args.Authorizer,
		chain:        args.Chain,
		profiles:     args.Profiles,
		sessions:     args.Sessions,
		allowedHosts: args.AllowedRedirectHosts,
		defaultURL:   args.DefaultReturnURL,
		errorURL:     args.ErrorURL,
		lifetime:     args.Lifetime,
		now:          args.Now,
		logger:       args.Logger.With("component", "login"),
	}, nil
}

// Begin checks the return target and starts a new attempt. A rejected target yields a 400 and no
// attempt, so nothing must be stored.
func (f *Flow) Begin(returnURL string) (Outcome, *Attempt) {
	target, err := validateReturnURL(returnURL, f.defaultURL, f.allowedHosts)
	if err != nil {
		f.logger.Warn("rejected login return url", "return_url", returnURL)
		return Outcome{Status: http.StatusBadRequest, Err: err}, nil
	}

	req, err := f.authorizer.BeginAuthorization()
	if err != nil {
		return Outcome{Status: http.StatusInternalServerError, Err: err}, nil
	}

	return Outcome{Status: http.StatusFound, Redirect: req.AuthorizationUrl}, &Attempt{
		State:        req.State,
		CodeVerifier: req.CodeVerifier,
		ReturnURL:    target,
		IssuedAt:     f.now(),
	}
}

// Complete finishes the attempt at the callback. The attempt must be discarded by the caller
// whatever the outcome.
func (f *Flow) Complete(ctx context.Context, attempt *Attempt, state, code string) Outcome {
	if err := f.checkAttempt(attempt, state, code); err != nil {
		metrics.LoginOutcomes.WithLabelValues(autherr.KindInvalidState.String()).Inc()
		f.logger.Warn("login callback rejected", "error", err)
		return Outcome{Status: http.StatusBadRequest, Err: err}
	}

	res, err := f.chain.Login(ctx, code, attempt.CodeVerifier)
	if err != nil {
		return f.failed(err)
	}

	if res.Identity == nil || res.Identity.SubjectId == "" {
		return f.failed(autherr.New(autherr.KindUpstreamAuth, "", errors.New("login produced no federated subject")))
	}

	id := profile.Identity{
		PlatformUserID: res.Session.PlatformUserID,
		DisplayName:    res.Session.DisplayName,
	}
	if id.DisplayName == "" {
		id.DisplayName = res.Identity.DisplayNameHint
	}
	f.profiles.Enrich(ctx, res.Session.Credentials(), &id)

	user, err := f.profiles.Reconcile(ctx, res.Identity.SubjectId, id)
	if err != nil {
		return f.failed(err)
	}

	if err := f.chain.Save(ctx, user.ID, res.Session); err != nil {
		return f.failed(err)
	}

	sess, err := f.sessions.Create(ctx, user.ID)
	if err != nil {
		return f.failed(err)
	}

	metrics.LoginOutcomes.WithLabelValues("ok").Inc()
	f.logger.Info("login complete", "user", user.ID)

	return Outcome{
		Status:   http.StatusFound,
		Redirect: attempt.ReturnURL,
		Session:  sess,
	}
}

func (f *Flow) checkAttempt(attempt *Attempt, state, code string) error {
	switch {
	case attempt == nil:
		return autherr.New(autherr.KindInvalidState, "", errors.New("no login attempt"))
	case attempt.Expired(f.now(), f.lifetime):
		return autherr.New(autherr.KindInvalidState, "", errors.New("login attempt expired"))
	case !helpers.TokensEqual(attempt.State, state):
		return autherr.New(autherr.KindInvalidState, "", errors.New("state mismatch"))
	case code == "":
		return autherr.New(autherr.KindInvalidState, "", errors.New("no authorization code"))
	}
	return nil
}

// failed sends the browser back to the login page. Upstream detail is only logged.
func (f *Flow) failed(err error) Outcome {
	kind := autherr.KindOf(err)
	metrics.LoginOutcomes.WithLabelValues(kind.String()).Inc()
	f.logger.Error("login failed", "kind", kind, "hop", autherr.HopOf(err), "error", err)

	return Outcome{
		Status:   http.StatusFound,
		Redirect: withQuery(f.errorURL, "error", ErrorCode),
		Err:      err,
	}
}

// Logout ends the session, if any, and redirects to the validated return target.
func (f *Flow) Logout(ctx context.Context, sessionID, returnURL string) Outcome {
	target, err := validateReturnURL(returnURL, f.defaultURL, f.allowedHosts)
	if err != nil {
		return Outcome{Status: http.StatusBadRequest, Err: err}
	}

	if err := f.sessions.Invalidate(ctx, sessionID); err != nil {
		f.logger.Error("could not invalidate session", "error", err)
		return Outcome{Status: http.StatusInternalServerError, ClearSession: true, Err: err}
	}

	return Outcome{
		Status:       http.StatusFound,
		Redirect:     target,
		ClearSession: true,
	}
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
