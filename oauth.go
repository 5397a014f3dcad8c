// Package oauth is the client for the federated identity provider (Microsoft Entra ID). It
// builds PKCE authorization URLs, redeems authorization codes, runs the refresh grant and
// verifies the ID tokens that come back.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/helpers"
)

type Client struct {
	h        *http.Client
	config   *oauth2.Config
	keys     *keyCache
	clientId string
	issuer   string
	timeout  time.Duration
	logger   *slog.Logger
}

type ClientArgs struct {
	H            *http.Client
	TenantId     string
	ClientId     string
	ClientSecret string
	RedirectUri  string
	Scopes       []string

	// Endpoint overrides. Empty values are derived from the tenant.
	AuthorizeUrl string
	TokenUrl     string
	JwksUrl      string

	// Issuer is checked against the ID token's iss claim when set. The consumers tenant issues
	// tokens from a fixed tenant id, so this is left to configuration.
	Issuer string

	// Timeout bounds each call to the provider.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if args.TenantId == "" {
		args.TenantId = DefaultTenant
	}

	if args.Timeout <= 0 {
		args.Timeout = DefaultTimeout
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: args.Timeout,
		}
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if len(args.Scopes) == 0 {
		args.Scopes = DefaultScopes
	}

	base := fmt.Sprintf("%s/%s", microsoftLoginBase, args.TenantId)
	if args.AuthorizeUrl == "" {
		args.AuthorizeUrl = base + "/oauth2/v2.0/authorize"
	}
	if args.TokenUrl == "" {
		args.TokenUrl = base + "/oauth2/v2.0/token"
	}
	if args.JwksUrl == "" {
		args.JwksUrl = base + "/discovery/v2.0/keys"
	}

	for _, u := range []string{args.AuthorizeUrl, args.TokenUrl, args.JwksUrl} {
		if _, err := isSafeAndParsed(u); err != nil {
			return nil, fmt.Errorf("invalid provider endpoint %q: %w", u, err)
		}
	}

	return &Client{
		h: args.H,
		config: &oauth2.Config{
			ClientID:     args.ClientId,
			ClientSecret: args.ClientSecret,
			RedirectURL:  args.RedirectUri,
			Scopes:       args.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   args.AuthorizeUrl,
				TokenURL:  args.TokenUrl,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		keys:     newKeyCache(args.H, args.JwksUrl),
		clientId: args.ClientId,
		issuer:   args.Issuer,
		timeout:  args.Timeout,
		logger:   args.Logger,
	}, nil
}

// BeginAuthorization generates a fresh state and PKCE pair and returns the URL to send the
// browser to. Nothing is stored server side.
func (c *Client) BeginAuthorization() (*AuthorizationRequest, error) {
	state, err := helpers.GenerateToken(32)
	if err != nil {
		return nil, fmt.Errorf("could not generate state token: %w", err)
	}

	pkceVerifier := oauth2.GenerateVerifier()
	codeChallenge := helpers.GenerateCodeChallenge(pkceVerifier)

	authUrl := c.config.AuthCodeURL(
		state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("response_mode", "query"),
	)

	return &AuthorizationRequest{
		AuthorizationUrl: authUrl,
		State:            state,
		CodeVerifier:     pkceVerifier,
	}, nil
}

// CompleteAuthorization redeems an authorization code. Codes are single use, so there is no
// retry here: a second attempt with the same code can only fail.
func (c *Client) CompleteAuthorization(ctx context.Context, code, pkceVerifier string) (*TokenResponse, error) {
	if code == "" {
		return nil, autherr.New(autherr.KindUpstreamAuth, hopCodeExchange, errors.New("no authorization code provided"))
	}

	if pkceVerifier == "" {
		return nil, autherr.New(autherr.KindUpstreamAuth, hopCodeExchange, errors.New("no pkce verifier provided"))
	}

	ctx, cancel := c.hopContext(ctx)
	defer cancel()

	tok, err := c.config.Exchange(ctx, code, oauth2.VerifierOption(pkceVerifier))
	if err != nil {
		return nil, classifyTokenError(hopCodeExchange, err)
	}

	resp, err := c.tokenResponse(ctx, hopCodeExchange, tok)
	if err != nil {
		return nil, err
	}

	if resp.Identity == nil {
		return nil, autherr.New(autherr.KindUpstreamAuth, hopCodeExchange, errors.New("token response did not include an identity token"))
	}

	if resp.RefreshToken == "" {
		return nil, autherr.New(autherr.KindUpstreamAuth, hopCodeExchange, errors.New("token response did not include a refresh token"))
	}

	c.logger.Debug("authorization code redeemed",
		"subject", resp.Identity.SubjectId,
		"expires_at", resp.ExpiresAt.Format(time.RFC3339),
	)

	return resp, nil
}

// RefreshTokenRequest runs the refresh grant. The provider may or may not rotate the refresh
// token; when it does not, the one passed in is carried over.
func (c *Client) RefreshTokenRequest(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, autherr.New(autherr.KindUpstreamAuth, hopRefreshGrant, errors.New("no refresh token provided"))
	}

	ctx, cancel := c.hopContext(ctx)
	defer cancel()

	tok, err := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError(hopRefreshGrant, err)
	}

	resp, err := c.tokenResponse(ctx, hopRefreshGrant, tok)
	if err != nil {
		return nil, err
	}

	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}

	c.logger.Debug("refresh grant completed",
		"rotated", resp.RefreshToken != refreshToken,
		"expires_at", resp.ExpiresAt.Format(time.RFC3339),
	)

	return resp, nil
}

// VerifyIdentityToken checks the signature, audience, issuer and expiry of an ID token and
// extracts the federated identity from it.
func (c *Client) VerifyIdentityToken(ctx context.Context, raw string) (*FederatedIdentity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(c.clientId),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(time.Minute),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	var claims IdentityClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("identity token has no kid")
		}
		return c.keys.publicKey(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not verify identity token: %w", err)
	}

	return claims.identity(raw)
}

func (c *Client) tokenResponse(ctx context.Context, hop string, tok *oauth2.Token) (*TokenResponse, error) {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}

	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		identity, err := c.VerifyIdentityToken(ctx, idToken)
		if err != nil {
			return nil, autherr.New(autherr.KindUpstreamAuth, hop, err)
		}
		resp.IdentityToken = idToken
		resp.Identity = identity
	}

	return resp, nil
}

func (c *Client) hopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.h)
	return context.WithTimeout(ctx, c.timeout)
}

// classifyTokenError separates a provider rejection (bad, expired or reused code, revoked
// refresh token) from a failure to talk to the provider at all.
func classifyTokenError(hop string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		code := rerr.ErrorCode
		if code == "" {
			code = strings.TrimSpace(http.StatusText(status))
		}
		return autherr.New(autherr.KindUpstreamAuth, hop, fmt.Errorf("token endpoint rejected request: %d %s", status, code))
	}

	return autherr.New(autherr.KindNetwork, hop, err)
}
