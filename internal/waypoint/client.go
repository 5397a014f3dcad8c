// Package waypoint calls the game-content services on behalf of a logged in user.
package waypoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/platform"
)

const (
	Hop = "waypoint"

	HeaderSpartan   = "x-343-authorization-spartan"
	HeaderClearance = "343-clearance"

	DefaultEmblemPath = "emblems/classics_one_emblem.png"

	maxBodyBytes = 4 << 20
)

type Endpoints struct {
	// Appearance takes the platform user id.
	Appearance string
	// Emblem is the prefix emblem definition paths are appended to.
	Emblem string
	// Maps takes the asset id.
	Maps string
}

var DefaultEndpoints = Endpoints{
	Appearance: "https://economy.svc.halowaypoint.com/hi/players/xuid(%s)/customization",
	Emblem:     "https://gamecms-hacs.svc.halowaypoint.com/hi/progression/file/",
	Maps:       "https://discovery-infiniteugc.svc.halowaypoint.com/hi/maps/%s",
}

type Client struct {
	h         *http.Client
	endpoints Endpoints
	logger    *slog.Logger
}

type ClientArgs struct {
	H         *http.Client
	Endpoints Endpoints
	Timeout   time.Duration
	Logger    *slog.Logger
}

func NewClient(args ClientArgs) *Client {
	if args.Timeout <= 0 {
		args.Timeout = platform.DefaultTimeout
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: args.Timeout,
		}
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if args.Endpoints.Appearance == "" {
		args.Endpoints.Appearance = DefaultEndpoints.Appearance
	}
	if args.Endpoints.Emblem == "" {
		args.Endpoints.Emblem = DefaultEndpoints.Emblem
	}
	if args.Endpoints.Maps == "" {
		args.Endpoints.Maps = DefaultEndpoints.Maps
	}

	return &Client{
		h:         args.H,
		endpoints: args.Endpoints,
		logger:    args.Logger.With("component", "waypoint"),
	}
}

type Appearance struct {
	ServiceTag string
	EmblemPath string
}

type appearanceResponse struct {
	Appearance struct {
		ServiceTag string `json:"ServiceTag"`
		Emblem     struct {
			EmblemPath string `json:"EmblemPath"`
		} `json:"Emblem"`
	} `json:"Appearance"`
}

type emblemResponse struct {
	CommonData struct {
		DisplayPath struct {
			Media struct {
				MediaUrl struct {
					Path string `json:"Path"`
				} `json:"MediaUrl"`
			} `json:"Media"`
		} `json:"DisplayPath"`
	} `json:"CommonData"`
}

// Appearance looks up a player's service tag and the image path of their emblem.
func (c *Client) Appearance(ctx context.Context, creds platform.Credentials, platformUserID string) (*Appearance, error) {
	var ar appearanceResponse
	if err := c.get(ctx, creds, fmt.Sprintf(c.endpoints.Appearance, url.PathEscape(platformUserID)), &ar); err != nil {
		return nil, err
	}

	out := &Appearance{
		ServiceTag: ar.Appearance.ServiceTag,
		EmblemPath: DefaultEmblemPath,
	}

	if ar.Appearance.Emblem.EmblemPath == "" {
		return out, nil
	}

	var er emblemResponse
	if err := c.get(ctx, creds, c.endpoints.Emblem+ar.Appearance.Emblem.EmblemPath, &er); err != nil {
		return nil, err
	}

	if p := er.CommonData.DisplayPath.Media.MediaUrl.Path; p != "" {
		out.EmblemPath = strings.ToLower(strings.TrimPrefix(p, "progression/Inventory/"))
	}

	return out, nil
}

// MapAsset is the subset of a published map we keep, plus the untouched response body.
type MapAsset struct {
	AssetID      string   `json:"AssetId"`
	PublicName   string   `json:"PublicName"`
	Description  string   `json:"Description"`
	Tags         []string `json:"Tags"`
	Contributors []string `json:"Contributors"`
	Admin        string   `json:"Admin"`
	Files        struct {
		Prefix            string   `json:"Prefix"`
		FileRelativePaths []string `json:"FileRelativePaths"`
	} `json:"Files"`
	AssetStats struct {
		PlaysRecent     int     `json:"PlaysRecent"`
		PlaysAllTime    int     `json:"PlaysAllTime"`
		Likes           int     `json:"Likes"`
		Bookmarks       int     `json:"Bookmarks"`
		AverageRating   float64 `json:"AverageRating"`
		NumberOfRatings int     `json:"NumberOfRatings"`
	} `json:"AssetStats"`
	PublishedDate struct {
		ISO8601Date time.Time `json:"ISO8601Date"`
	} `json:"PublishedDate"`

	Raw json.RawMessage `json:"-"`
}

var xuidPattern = regexp.MustCompile(`^xuid\((\d+)\)$`)

// ParseXuid strips the xuid(...) wrapper the content services put around player ids.
func ParseXuid(s string) string {
	if m := xuidPattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// Thumbnail returns the first image file of the asset, if any.
func (m *MapAsset) Thumbnail() string {
	for _, p := range m.Files.FileRelativePaths {
		if strings.HasSuffix(p, ".jpg") || strings.HasSuffix(p, ".png") {
			return m.Files.Prefix + p
		}
	}
	return ""
}

func (c *Client) MapAsset(ctx context.Context, creds platform.Credentials, assetID string) (*MapAsset, error) {
	var raw json.RawMessage
	if err := c.get(ctx, creds, fmt.Sprintf(c.endpoints.Maps, url.PathEscape(assetID)), &raw); err != nil {
		return nil, err
	}

	var m MapAsset
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, autherr.New(autherr.KindNetwork, Hop, fmt.Errorf("could not unmarshal map: %w", err))
	}
	m.Raw = raw

	return &m, nil
}

// Headers translates the platform header pair into the names the content services expect.
func Headers(creds platform.Credentials) http.Header {
	src := creds.Header()

	h := http.Header{}
	h.Set(HeaderSpartan, src.Get(platform.HeaderAuthorization))
	if v := src.Get(platform.HeaderClearance); v != "" {
		h.Set(HeaderClearance, v)
	}
	h.Set("Accept", "application/json")
	return h
}

func (c *Client) get(ctx context.Context, creds platform.Credentials, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return autherr.New(autherr.KindUnknown, Hop, fmt.Errorf("could not build request: %w", err))
	}
	req.Header = Headers(creds)

	resp, err := c.h.Do(req)
	if err != nil {
		return autherr.New(autherr.KindNetwork, Hop, fmt.Errorf("could not get response from server: %w", err))
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return autherr.New(autherr.KindNetwork, Hop, fmt.Errorf("could not read body: %w", err))
	}

	c.logger.Debug("waypoint request finished", "url", u, "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return autherr.New(autherr.KindPlatformAuth, Hop, fmt.Errorf("service token rejected with status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return autherr.New(autherr.KindNotFound, Hop, errors.New("not found"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return autherr.New(autherr.KindNetwork, Hop, fmt.Errorf("received non-2xx response. status code was %d", resp.StatusCode))
	}

	if err := json.Unmarshal(b, out); err != nil {
		return autherr.New(autherr.KindNetwork, Hop, fmt.Errorf("could not unmarshal response: %w", err))
	}

	return nil
}
