package platform

import (
	"net/http"
	"time"
)

const (
	HopUserToken    = "user_token"
	HopXSTSXbox     = "xsts_xbox"
	HopXSTSHalo     = "xsts_halo"
	HopServiceToken = "spartan_token"
	HopClearance    = "clearance"

	// Relying parties for the two security token exchanges. Only the Xbox audience carries the
	// player's identity claims.
	AudienceXbox = "http://xboxlive.com"
	AudienceHalo = "https://prod.xsts.halowaypoint.com/"

	HeaderAuthorization = "X-Platform-Authorization"
	HeaderClearance     = "X-Platform-Clearance"

	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
)

type Endpoints struct {
	UserToken     string
	SecurityToken string
	ServiceToken  string
	// Clearance is a format string taking the platform user id.
	Clearance string
}

var DefaultEndpoints = Endpoints{
	UserToken:     "https://user.auth.xboxlive.com/user/authenticate",
	SecurityToken: "https://xsts.auth.xboxlive.com/xsts/authorize",
	ServiceToken:  "https://settings.svc.halowaypoint.com/spartan-token",
	Clearance:     "https://settings.svc.halowaypoint.com/oban/flight-configurations/titles/hi/audiences/RETAIL/players/xuid(%s)/active",
}

// Token is the output of a single hop.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    *Claims
}

// Claims are the display claims attached to user and security tokens.
type Claims struct {
	UserHash       string
	PlatformUserID string
	DisplayName    string
}

// Credentials are what a downstream game-content call needs on behalf of a user.
type Credentials struct {
	ServiceToken   string
	ClearanceToken string
	PlatformUserID string
	ExpiresAt      time.Time
}

// Header returns the header pair attached to downstream calls.
func (c Credentials) Header() http.Header {
	h := http.Header{}
	h.Set(HeaderAuthorization, c.ServiceToken)
	if c.ClearanceToken != "" {
		h.Set(HeaderClearance, c.ClearanceToken)
	}
	return h
}

type xboxTokenRequest struct {
	Properties   xboxTokenProperties `json:"Properties"`
	RelyingParty string              `json:"RelyingParty"`
	TokenType    string              `json:"TokenType"`
}

type xboxTokenProperties struct {
	AuthMethod string   `json:"AuthMethod,omitempty"`
	SiteName   string   `json:"SiteName,omitempty"`
	RpsTicket  string   `json:"RpsTicket,omitempty"`
	SandboxId  string   `json:"SandboxId,omitempty"`
	UserTokens []string `json:"UserTokens,omitempty"`
}

type xboxTokenResponse struct {
	IssueInstant  time.Time `json:"IssueInstant"`
	NotAfter      time.Time `json:"NotAfter"`
	Token         string    `json:"Token"`
	DisplayClaims struct {
		Xui []struct {
			Uhs string `json:"uhs"`
			Xid string `json:"xid"`
			Gtg string `json:"gtg"`
		} `json:"xui"`
	} `json:"DisplayClaims"`
}

func (r *xboxTokenResponse) claims() *Claims {
	if len(r.DisplayClaims.Xui) == 0 {
		return nil
	}
	x := r.DisplayClaims.Xui[0]
	return &Claims{
		UserHash:       x.Uhs,
		PlatformUserID: x.Xid,
		DisplayName:    x.Gtg,
	}
}

type xboxErrorResponse struct {
	XErr    int64  `json:"XErr"`
	Message string `json:"Message"`
}

type spartanTokenRequest struct {
	Audience   string         `json:"Audience"`
	MinVersion string         `json:"MinVersion"`
	Proof      []spartanProof `json:"Proof"`
}

type spartanProof struct {
	Token     string `json:"Token"`
	TokenType string `json:"TokenType"`
}

type spartanTokenResponse struct {
	SpartanToken string `json:"SpartanToken"`
	ExpiresUtc   struct {
		ISO8601Date time.Time `json:"ISO8601Date"`
	} `json:"ExpiresUtc"`
	TokenDuration string `json:"TokenDuration"`
}

type clearanceResponse struct {
	FlightConfigurationId string `json:"FlightConfigurationId"`
}
