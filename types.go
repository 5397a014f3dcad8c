package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTenant  = "consumers"
	DefaultTimeout = 10 * time.Second

	microsoftLoginBase = "https://login.microsoftonline.com"

	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"

	hopCodeExchange = "code_exchange"
	hopRefreshGrant = "refresh_grant"
)

// DefaultScopes are what the Xbox Live RPS ticket exchange needs, plus a refresh token and an
// ID token for the federated subject.
var DefaultScopes = []string{"XboxLive.signin", "offline_access", "openid", "profile"}

// AuthorizationRequest is everything the browser needs to start a login, plus the values the
// caller must keep until the callback.
type AuthorizationRequest struct {
	AuthorizationUrl string
	State            string
	CodeVerifier     string
}

// TokenResponse is the result of a code exchange or refresh grant.
type TokenResponse struct {
	IdentityToken string
	AccessToken   string
	RefreshToken  string
	Scope         string
	ExpiresAt     time.Time

	// Identity is set whenever the response carried a verified ID token.
	Identity *FederatedIdentity
}

func (r TokenResponse) String() string {
	return fmt.Sprintf("TokenResponse{AccessToken: %s, RefreshToken: %s, IdentityToken: %s, Scope: %q, ExpiresAt: %s}",
		redact(r.AccessToken), redact(r.RefreshToken), redact(r.IdentityToken), r.Scope, r.ExpiresAt.Format(time.RFC3339))
}

// FederatedIdentity is what we keep from a verified ID token. SubjectId is immutable for the
// account and is the only key local users are matched on.
type FederatedIdentity struct {
	SubjectId        string
	TenantId         string
	DisplayNameHint  string
	RawIdentityToken string
}

// IdentityClaims are the Entra ID v2.0 ID token claims we read.
type IdentityClaims struct {
	jwt.RegisteredClaims
	ObjectId          string `json:"oid"`
	TenantId          string `json:"tid"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

func (c *IdentityClaims) identity(raw string) (*FederatedIdentity, error) {
	subject := c.ObjectId
	if subject == "" {
		subject = c.Subject
	}
	if subject == "" {
		return nil, fmt.Errorf("identity token has neither oid nor sub")
	}

	hint := c.Name
	if hint == "" {
		hint = c.PreferredUsername
	}

	return &FederatedIdentity{
		SubjectId:        subject,
		TenantId:         c.TenantId,
		DisplayNameHint:  hint,
		RawIdentityToken: raw,
	}, nil
}

func redact(v string) string {
	if v == "" {
		return emptyPlaceholder
	}
	return redactedPlaceholder
}
