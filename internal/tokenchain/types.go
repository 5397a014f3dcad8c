package tokenchain

import (
	"context"
	"time"

	oauth "github.com/unggoy/unggoy-api"
	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/platform"
)

type State int

const (
	Idle State = iota
	ExchangingCode
	ExchangingUserToken
	ExchangingSecurityTokens
	ExchangingServiceToken
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ExchangingCode:
		return "exchanging_code"
	case ExchangingUserToken:
		return "exchanging_user_token"
	case ExchangingSecurityTokens:
		return "exchanging_security_tokens"
	case ExchangingServiceToken:
		return "exchanging_service_token"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether a run may move from s to next. Complete and Failed are
// terminal; any other state may fail.
func (s State) CanTransition(next State) bool {
	switch s {
	case Complete, Failed:
		return false
	}

	if next == Failed {
		return true
	}

	switch s {
	case Idle:
		return next == ExchangingCode || next == ExchangingUserToken
	case ExchangingCode:
		return next == ExchangingUserToken
	case ExchangingUserToken:
		return next == ExchangingSecurityTokens
	case ExchangingSecurityTokens:
		return next == ExchangingServiceToken
	case ExchangingServiceToken:
		return next == Complete
	}

	return false
}

// ServiceToken is the perishable end of the chain.
type ServiceToken struct {
	Value     string
	ExpiresAt time.Time
}

// PlatformSession is the product of a completed chain run. It is replaced wholesale on refresh.
type PlatformSession struct {
	PlatformUserID string
	DisplayName    string
	ServiceToken   ServiceToken
	ClearanceToken string
	RefreshToken   string
}

// NeedsRefresh treats the service token as expired once now+skew reaches its expiry.
func (p *PlatformSession) NeedsRefresh(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(p.ServiceToken.ExpiresAt)
}

func (p *PlatformSession) Credentials() platform.Credentials {
	return platform.Credentials{
		ServiceToken:   p.ServiceToken.Value,
		ClearanceToken: p.ClearanceToken,
		PlatformUserID: p.PlatformUserID,
		ExpiresAt:      p.ServiceToken.ExpiresAt,
	}
}

type LoginResult struct {
	Identity *oauth.FederatedIdentity
	Session  *PlatformSession
}

type IdentityProvider interface {
	CompleteAuthorization(ctx context.Context, code, verifier string) (*oauth.TokenResponse, error)
	RefreshTokenRequest(ctx context.Context, refreshToken string) (*oauth.TokenResponse, error)
}

type Exchanger interface {
	UserToken(ctx context.Context, accessToken string) autherr.Result[*platform.Token]
	SecurityToken(ctx context.Context, userToken, audience string) autherr.Result[*platform.Token]
	ServiceToken(ctx context.Context, haloSecurityToken string) autherr.Result[*platform.Token]
	ClearanceToken(ctx context.Context, serviceToken, platformUserID string) autherr.Result[*platform.Token]
	ClearanceEnabled() bool
}

// Store persists one PlatformSession per local user. GetPlatformSession returns nil, nil when
// the user has none.
type Store interface {
	GetPlatformSession(ctx context.Context, userID string) (*PlatformSession, error)
	SavePlatformSession(ctx context.Context, userID string, ps *PlatformSession) error
}

// Cache holds service token credentials only. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, userID string) (*platform.Credentials, error)
	Set(ctx context.Context, userID string, creds platform.Credentials) error
	Delete(ctx context.Context, userID string) error
}

// Locker serializes refresh chain runs for one user across API instances. Lock tries once and
// reports ok=false when another instance holds the lock.
type Locker interface {
	Lock(ctx context.Context, userID string, ttl time.Duration) (unlock func(), ok bool, err error)
}
