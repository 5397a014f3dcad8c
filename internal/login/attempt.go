package login

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/helpers"
)

const AttemptLifetime = time.Hour

// Attempt is the state of one login between redirecting the browser to the identity provider and
// its callback. It lives only in an encrypted cookie.
type Attempt struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"codeVerifier"`
	ReturnURL    string    `json:"returnUrl"`
	IssuedAt     time.Time `json:"issuedAt"`
}

func (a *Attempt) Expired(now time.Time, lifetime time.Duration) bool {
	return !now.Before(a.IssuedAt.Add(lifetime))
}

var errBadReturnURL = autherr.New(autherr.KindValidation, "", errors.New("return url is not allowed"))

// validateReturnURL accepts a same-site relative path or an absolute http(s) URL whose host is
// on the allow list. Empty input resolves to fallback.
func validateReturnURL(raw, fallback string, allowedHosts []string) (string, error) {
	if raw == "" {
		return fallback, nil
	}

	// "//host" and "/\host" are protocol relative to browsers
	if strings.HasPrefix(raw, "/") {
		if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
			return "", errBadReturnURL
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host != "" || u.Scheme != "" {
			return "", errBadReturnURL
		}
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errBadReturnURL
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return "", errBadReturnURL
	}

	if u.User != nil || !helpers.HostAllowed(u.Host, allowedHosts) {
		return "", errBadReturnURL
	}

	return u.String(), nil
}
