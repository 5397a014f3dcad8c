package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

const jwksCacheTTL = time.Hour

// isSafeAndParsed only lets plain http through for loopback hosts, which is what local stand-in
// identity providers and tests listen on.
func isSafeAndParsed(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url hostname was empty")
	}

	if u.User != nil {
		return nil, fmt.Errorf("url user was not empty")
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopback(u.Hostname()) {
			return nil, fmt.Errorf("input url is not https")
		}
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	return u, nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// keyCache holds the provider's signing keys. Unknown key ids force one refetch so key
// rotation on the provider side does not need a restart.
type keyCache struct {
	h   *http.Client
	url string

	mu        sync.Mutex
	set       jwk.Set
	fetchedAt time.Time
}

func newKeyCache(h *http.Client, jwksUrl string) *keyCache {
	return &keyCache{h: h, url: jwksUrl}
}

func (k *keyCache) publicKey(ctx context.Context, kid string) (any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.set == nil || time.Since(k.fetchedAt) > jwksCacheTTL {
		if err := k.fetch(ctx); err != nil {
			return nil, err
		}
	}

	key, ok := k.set.LookupKeyID(kid)
	if !ok {
		if err := k.fetch(ctx); err != nil {
			return nil, err
		}
		key, ok = k.set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("no signing key with kid %q", kid)
		}
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("could not load signing key %q: %w", kid, err)
	}

	return raw, nil
}

func (k *keyCache) fetch(ctx context.Context) error {
	set, err := jwk.Fetch(ctx, k.url, jwk.WithHTTPClient(k.h))
	if err != nil {
		return fmt.Errorf("could not fetch jwks: %w", err)
	}

	k.set = set
	k.fetchedAt = time.Now()

	return nil
}
