// Package platform talks to the Xbox Live and Halo token services. Each method is a single hop
// of the chain and returns a tagged result naming the hop on failure.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/unggoy/unggoy-api/internal/autherr"
)

type Client struct {
	h             *http.Client
	endpoints     Endpoints
	skipClearance bool
	timeout       time.Duration
	logger        *slog.Logger
}

type ClientArgs struct {
	H         *http.Client
	Endpoints Endpoints
	// SkipClearance disables the clearance hop. Downstream calls then carry only the service
	// token.
	SkipClearance bool
	Timeout       time.Duration
	Logger        *slog.Logger
}

func NewClient(args ClientArgs) (*Client, error) {
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

	if args.Endpoints.UserToken == "" {
		args.Endpoints.UserToken = DefaultEndpoints.UserToken
	}
	if args.Endpoints.SecurityToken == "" {
		args.Endpoints.SecurityToken = DefaultEndpoints.SecurityToken
	}
	if args.Endpoints.ServiceToken == "" {
		args.Endpoints.ServiceToken = DefaultEndpoints.ServiceToken
	}
	if args.Endpoints.Clearance == "" {
		args.Endpoints.Clearance = DefaultEndpoints.Clearance
	}

	for _, u := range []string{args.Endpoints.UserToken, args.Endpoints.SecurityToken, args.Endpoints.ServiceToken} {
		if err := validateEndpoint(u); err != nil {
			return nil, fmt.Errorf("invalid platform endpoint %q: %w", u, err)
		}
	}

	return &Client{
		h:             args.H,
		endpoints:     args.Endpoints,
		skipClearance: args.SkipClearance,
		timeout:       args.Timeout,
		logger:        args.Logger.With("component", "platform"),
	}, nil
}

// ClearanceEnabled reports whether the chain should run the clearance hop.
func (c *Client) ClearanceEnabled() bool {
	return !c.skipClearance
}

// UserToken trades the identity provider access token for an Xbox Live user token.
func (c *Client) UserToken(ctx context.Context, accessToken string) autherr.Result[*Token] {
	if accessToken == "" {
		return autherr.Fail[*Token](autherr.KindPlatformAuth, HopUserToken, errors.New("no access token provided"))
	}

	body := xboxTokenRequest{
		Properties: xboxTokenProperties{
			AuthMethod: "RPS",
			SiteName:   "user.auth.xboxlive.com",
			RpsTicket:  "d=" + accessToken,
		},
		RelyingParty: "http://auth.xboxlive.com",
		TokenType:    "JWT",
	}

	var resp xboxTokenResponse
	if err := c.post(ctx, HopUserToken, c.endpoints.UserToken, body, xboxHeaders, &resp); err != nil {
		return autherr.FromError[*Token](err)
	}

	return xboxToken(HopUserToken, &resp)
}

// SecurityToken trades a user token for an XSTS token scoped to audience.
func (c *Client) SecurityToken(ctx context.Context, userToken, audience string) autherr.Result[*Token] {
	hop := HopXSTSHalo
	if audience == AudienceXbox {
		hop = HopXSTSXbox
	}

	if userToken == "" {
		return autherr.Fail[*Token](autherr.KindPlatformAuth, hop, errors.New("no user token provided"))
	}

	body := xboxTokenRequest{
		Properties: xboxTokenProperties{
			SandboxId:  "RETAIL",
			UserTokens: []string{userToken},
		},
		RelyingParty: audience,
		TokenType:    "JWT",
	}

	var resp xboxTokenResponse
	if err := c.post(ctx, hop, c.endpoints.SecurityToken, body, xboxHeaders, &resp); err != nil {
		return autherr.FromError[*Token](err)
	}

	return xboxToken(hop, &resp)
}

// ServiceToken trades the Halo-audience XSTS token for a spartan token.
func (c *Client) ServiceToken(ctx context.Context, haloSecurityToken string) autherr.Result[*Token] {
	if haloSecurityToken == "" {
		return autherr.Fail[*Token](autherr.KindPlatformAuth, HopServiceToken, errors.New("no security token provided"))
	}

	body := spartanTokenRequest{
		Audience:   "urn:343:s3:services",
		MinVersion: "4",
		Proof: []spartanProof{{
			Token:     haloSecurityToken,
			TokenType: "Xbox_XSTSv3",
		}},
	}

	var resp spartanTokenResponse
	if err := c.post(ctx, HopServiceToken, c.endpoints.ServiceToken, body, nil, &resp); err != nil {
		return autherr.FromError[*Token](err)
	}

	if resp.SpartanToken == "" {
		return autherr.Fail[*Token](autherr.KindPlatformAuth, HopServiceToken, errors.New("response did not include a spartan token"))
	}

	if resp.ExpiresUtc.ISO8601Date.IsZero() {
		return autherr.Fail[*Token](autherr.KindPlatformAuth, HopServiceToken, errors.New("response did not include an expiry"))
	}

	return autherr.Ok(&Token{
		Value:     resp.SpartanToken,
		IssuedAt:  time.Now(),
		ExpiresAt: resp.ExpiresUtc.ISO8601Date,
	})
}

// ClearanceToken fetches the flight configuration id the game services expect alongside the
// spartan token.
func (c *Client) ClearanceToken(ctx context.Context, serviceToken, platformUserID string) autherr.Result[*Token] {
	if serviceToken == "" || platformUserID == "" {
		return autherr.Fail[*Token](autherr.KindPlatformAuth, HopClearance, errors.New("no service token or platform user id provided"))
	}

	u := fmt.Sprintf(c.endpoints.Clearance, url.PathEscape(platformUserID))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return autherr.Fail[*Token](autherr.KindPlatformAuth, HopClearance, fmt.Errorf("error creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(spartanHeader, serviceToken)

	var resp clearanceResponse
	if err := c.do(req, HopClearance, &resp); err != nil {
		return autherr.FromError[*Token](err)
	}

	if resp.FlightConfigurationId == "" {
		return autherr.Fail[*Token](autherr.KindPlatformAuth, HopClearance, errors.New("response did not include a flight configuration id"))
	}

	return autherr.Ok(&Token{
		Value:    resp.FlightConfigurationId,
		IssuedAt: time.Now(),
	})
}

const spartanHeader = "x-343-authorization-spartan"

var xboxHeaders = map[string]string{
	"x-xbl-contract-version": "1",
}

func xboxToken(hop string, resp *xboxTokenResponse) autherr.Result[*Token] {
	if resp.Token == "" {
		return autherr.Fail[*Token](autherr.KindPlatformAuth, hop, errors.New("response did not include a token"))
	}

	return autherr.Ok(&Token{
		Value:     resp.Token,
		IssuedAt:  resp.IssueInstant,
		ExpiresAt: resp.NotAfter,
		Claims:    resp.claims(),
	})
}

func (c *Client) post(ctx context.Context, hop, u string, body any, headers map[string]string, out any) *autherr.Error {
	b, err := json.Marshal(body)
	if err != nil {
		return autherr.New(autherr.KindPlatformAuth, hop, fmt.Errorf("could not marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(b))
	if err != nil {
		return autherr.New(autherr.KindPlatformAuth, hop, fmt.Errorf("error creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.do(req, hop, out)
}

func (c *Client) do(req *http.Request, hop string, out any) *autherr.Error {
	start := time.Now()

	resp, err := c.h.Do(req)
	if err != nil {
		return autherr.New(autherr.KindNetwork, hop, fmt.Errorf("could not get response from server: %w", err))
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return autherr.New(autherr.KindNetwork, hop, fmt.Errorf("could not read body: %w", err))
	}

	c.logger.Debug("platform hop finished", "hop", hop, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("received non-2xx response. status code was %d", resp.StatusCode)

		var xerr xboxErrorResponse
		if len(b) > 0 && json.Unmarshal(b, &xerr) == nil && xerr.XErr != 0 {
			msg = fmt.Sprintf("%s, xerr %d", msg, xerr.XErr)
		}

		return autherr.New(autherr.KindPlatformAuth, hop, errors.New(msg))
	}

	if err := json.Unmarshal(b, out); err != nil {
		return autherr.New(autherr.KindPlatformAuth, hop, fmt.Errorf("could not unmarshal response: %w", err))
	}

	return nil
}

func validateEndpoint(ustr string) error {
	u, err := url.Parse(ustr)
	if err != nil {
		return err
	}

	if u.Hostname() == "" {
		return fmt.Errorf("url hostname was empty")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	return nil
}
