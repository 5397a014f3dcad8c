package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/unggoy/unggoy-api"
	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/login"
	"github.com/unggoy/unggoy-api/internal/platform"
	"github.com/unggoy/unggoy-api/internal/profile"
	"github.com/unggoy/unggoy-api/internal/session"
	"github.com/unggoy/unggoy-api/internal/store"
	"github.com/unggoy/unggoy-api/internal/tokenchain"
	"github.com/unggoy/unggoy-api/internal/waypoint"
)

var ctx = context.Background()

type fakeAuthorizer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeAuthorizer) BeginAuthorization() (*oauth.AuthorizationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	state := fmt.Sprintf("state-%d", f.calls)
	return &oauth.AuthorizationRequest{
		AuthorizationUrl: "https://login.example/authorize?state=" + state,
		State:            state,
		CodeVerifier:     "verifier-1",
	}, nil
}

type fakeChain struct {
	store *store.Store

	mu     sync.Mutex
	logins int
}

func (f *fakeChain) Login(_ context.Context, code, verifier string) (*tokenchain.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.logins++
	if code == "" || verifier != "verifier-1" {
		return nil, autherr.New(autherr.KindUpstreamAuth, "code_exchange", errors.New("invalid_grant"))
	}

	return &tokenchain.LoginResult{
		Identity: &oauth.FederatedIdentity{SubjectId: "sub-123", DisplayNameHint: "Master Chief"},
		Session: &tokenchain.PlatformSession{
			PlatformUserID: "2533",
			DisplayName:    "Chief117",
			ServiceToken:   tokenchain.ServiceToken{Value: "spartan-1", ExpiresAt: time.Now().Add(time.Hour)},
			ClearanceToken: "flight-1",
			RefreshToken:   "refresh-1",
		},
	}, nil
}

func (f *fakeChain) Save(ctx context.Context, userID string, ps *tokenchain.PlatformSession) error {
	return f.store.SavePlatformSession(ctx, userID, ps)
}

type fakeTokens struct {
	err error
}

func (f *fakeTokens) ServiceToken(_ context.Context, userID string) (*platform.Credentials, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &platform.Credentials{ServiceToken: "spartan-" + userID, PlatformUserID: "2533"}, nil
}

type fakeContent struct {
	err   error
	calls int
}

func (f *fakeContent) MapAsset(_ context.Context, creds platform.Credentials, assetID string) (*waypoint.MapAsset, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	m := &waypoint.MapAsset{
		AssetID:      assetID,
		PublicName:   "Guardian",
		Description:  "Forerunner sanctuary",
		Tags:         []string{"forge"},
		Contributors: []string{"xuid(77)"},
		Admin:        "xuid(77)",
		Raw:          json.RawMessage(`{"AssetId":"` + assetID + `","PublicName":"Guardian"}`),
	}
	m.AssetStats.Likes = 42

	return m, nil
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error {
	return f.err
}

type testEnv struct {
	srv      *Server
	store    *store.Store
	sessions *session.Manager
	chain    *fakeChain
	tokens   *fakeTokens
	content  *fakeContent
}

func newTestEnv(t *testing.T, opts ...func(*Args)) *testEnv {
	t.Helper()

	s, err := store.Open(ctx, store.OpenArgs{Dsn: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sessionManager, err := session.NewManager(session.ManagerArgs{Store: s})
	require.NoError(t, err)

	profiles, err := profile.NewReconciler(profile.ReconcilerArgs{Store: s})
	require.NoError(t, err)

	te := &testEnv{
		store:    s,
		sessions: sessionManager,
		chain:    &fakeChain{store: s},
		tokens:   &fakeTokens{},
		content:  &fakeContent{},
	}

	flow, err := login.NewFlow(login.FlowArgs{
		Authorizer:           &fakeAuthorizer{},
		Chain:                te.chain,
		Profiles:             profiles,
		Sessions:             sessionManager,
		AllowedRedirectHosts: []string{"unggoy.example"},
	})
	require.NoError(t, err)

	args := Args{
		Store:              s,
		Sessions:           sessionManager,
		Flow:               flow,
		Tokens:             te.tokens,
		Content:            te.content,
		CookieStore:        sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"), []byte("abcdef0123456789abcdef0123456789")),
		PlaylistWriteBurst: 100,
		Registry:           prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&args)
	}

	te.srv, err = New(args)
	require.NoError(t, err)

	return te
}

// do sends a request as a same-origin browser would.
func (te *testEnv) do(t *testing.T, method, target string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, target, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}

	if method != http.MethodGet {
		r.Header.Set("Origin", "http://example.com")
	}

	for _, c := range cookies {
		r.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	te.srv.Handler().ServeHTTP(rec, r)
	return rec
}

// signIn creates a user with a live session and returns the session cookie.
func (te *testEnv) signIn(t *testing.T, subject, username string) (*store.User, *http.Cookie) {
	t.Helper()

	u := &store.User{Subject: subject, Username: username, PlatformUserID: "xuid-" + subject}
	require.NoError(t, te.store.CreateUser(ctx, u))

	sess, err := te.sessions.Create(ctx, u.ID)
	require.NoError(t, err)

	return u, te.sessions.Cookie(sess)
}

func responseCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestUserRequiresSession(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	rec := te.do(t, http.MethodGet, "/user", nil)
	assert.Equal(http.StatusUnauthorized, rec.Code)
	assert.Equal("Unauthorized", decode[errorResponse](t, rec).Error)

	u, cookie := te.signIn(t, "sub-1", "Chief")

	rec = te.do(t, http.MethodGet, "/user", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[store.User](t, rec)
	assert.Equal(u.ID, got.ID)
	assert.Equal("Chief", got.Username)
}

func TestUnknownSessionClearsCookie(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	rec := te.do(t, http.MethodGet, "/user", nil, &http.Cookie{Name: session.DefaultCookieName, Value: "nope"})
	assert.Equal(http.StatusUnauthorized, rec.Code)

	c := responseCookie(rec, session.DefaultCookieName)
	require.NotNil(t, c)
	assert.Empty(c.Value)
	assert.Negative(c.MaxAge)
}

func TestCrossOriginWritesAreAnonymous(t *testing.T) {
	te := newTestEnv(t)
	_, cookie := te.signIn(t, "sub-1", "Chief")

	tests := []struct {
		name   string
		origin string
		want   int
	}{
		{"same origin", "http://example.com", http.StatusCreated},
		{"other origin", "https://evil.example", http.StatusUnauthorized},
		{"no origin", "", http.StatusUnauthorized},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := json.Marshal(map[string]any{"name": fmt.Sprintf("Playlist %d", i)})
			r := httptest.NewRequest(http.MethodPost, "/playlist", bytes.NewReader(b))
			r.Header.Set("Content-Type", "application/json")
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			r.AddCookie(cookie)

			rec := httptest.NewRecorder()
			te.srv.Handler().ServeHTTP(rec, r)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestLoginRoundTrip(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	rec := te.do(t, http.MethodGet, "/login/azure?returnUrl=/maps", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal("https://login.example/authorize?state=state-1", rec.Header().Get("Location"))

	attempt := responseCookie(rec, attemptCookieName)
	require.NotNil(t, attempt)
	assert.True(attempt.HttpOnly)
	assert.Equal(http.SameSiteLaxMode, attempt.SameSite)
	assert.NotContains(attempt.Value, "verifier-1")

	rec = te.do(t, http.MethodGet, "/login/xbox/callback?state=state-1&code=code-1", nil, attempt)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal("/maps", rec.Header().Get("Location"))

	sessionCookie := responseCookie(rec, session.DefaultCookieName)
	require.NotNil(t, sessionCookie)
	assert.NotEmpty(sessionCookie.Value)
	assert.Equal(http.SameSiteStrictMode, sessionCookie.SameSite)

	cleared := responseCookie(rec, attemptCookieName)
	require.NotNil(t, cleared)
	assert.Negative(cleared.MaxAge)

	rec = te.do(t, http.MethodGet, "/user", nil, sessionCookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal("Chief117", decode[store.User](t, rec).Username)

	rec = te.do(t, http.MethodPost, "/logout", nil, sessionCookie)
	assert.Equal(http.StatusFound, rec.Code)
	blank := responseCookie(rec, session.DefaultCookieName)
	require.NotNil(t, blank)
	assert.Empty(blank.Value)

	rec = te.do(t, http.MethodGet, "/user", nil, sessionCookie)
	assert.Equal(http.StatusUnauthorized, rec.Code)
}

func TestLoginRejectsForeignReturnURL(t *testing.T) {
	te := newTestEnv(t)

	rec := te.do(t, http.MethodGet, "/login/azure?returnUrl=https://evil.example/", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, responseCookie(rec, attemptCookieName))
}

func TestCallbackStateMismatch(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	rec := te.do(t, http.MethodGet, "/login/azure", nil)
	attempt := responseCookie(rec, attemptCookieName)
	require.NotNil(t, attempt)

	rec = te.do(t, http.MethodGet, "/login/xbox/callback?state=state-2&code=code-1", nil, attempt)
	assert.Equal(http.StatusBadRequest, rec.Code)
	assert.Empty(rec.Header().Get("Location"))
	assert.Nil(responseCookie(rec, session.DefaultCookieName))

	rec = te.do(t, http.MethodGet, "/login/xbox/callback?state=state-1&code=code-1", nil)
	assert.Equal(http.StatusBadRequest, rec.Code)

	assert.Zero(te.chain.logins)
}

func TestPlaylistLifecycle(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)
	owner, cookie := te.signIn(t, "sub-1", "Chief")
	_, other := te.signIn(t, "sub-2", "Arbiter")

	require.NoError(t, te.store.SaveAsset(ctx, &store.Asset{AssetID: "a1", Name: "Blood Gulch", AssetKind: 2}))

	rec := te.do(t, http.MethodPost, "/playlist", map[string]any{"name": "ab"}, cookie)
	assert.Equal(http.StatusUnprocessableEntity, rec.Code)
	assert.Equal("Validation Error", decode[errorResponse](t, rec).Error)

	rec = te.do(t, http.MethodPost, "/playlist", map[string]any{"name": "  Remakes\u200b  ", "description": "Classic maps", "assetId": "a1"}, cookie)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[store.Playlist](t, rec)
	assert.Equal("Remakes", created.Name)
	assert.Equal(owner.ID, created.UserID)
	assert.Equal(store.PlaylistPlaceholderThumbnail, created.ThumbnailURL)

	rec = te.do(t, http.MethodPost, "/playlist", map[string]any{"name": "Remakes"}, cookie)
	assert.Equal(http.StatusConflict, rec.Code)

	rec = te.do(t, http.MethodGet, "/playlist/"+created.AssetID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[map[string]any](t, rec)
	assert.EqualValues(1, page["totalCount"])
	assert.Equal("Remakes", page["playlist"].(map[string]any)["name"])

	rec = te.do(t, http.MethodPut, "/playlist/"+created.AssetID, map[string]any{"name": "Stolen"}, other)
	assert.Equal(http.StatusForbidden, rec.Code)

	rec = te.do(t, http.MethodPut, "/playlist/"+created.AssetID, map[string]any{}, cookie)
	assert.Equal(http.StatusUnprocessableEntity, rec.Code)

	rec = te.do(t, http.MethodPut, "/playlist/"+created.AssetID, map[string]any{"isPrivate": true}, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(decode[store.Playlist](t, rec).Private)

	rec = te.do(t, http.MethodGet, "/playlist/"+created.AssetID, nil)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	rec = te.do(t, http.MethodGet, "/playlist/"+created.AssetID, nil, other)
	assert.Equal(http.StatusForbidden, rec.Code)

	rec = te.do(t, http.MethodGet, "/playlist/"+created.AssetID, nil, cookie)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(cachePrivate, rec.Header().Get("Cache-Control"))

	rec = te.do(t, http.MethodGet, "/playlist/me", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(1, decode[map[string]any](t, rec)["totalCount"])

	rec = te.do(t, http.MethodGet, "/playlist/browse", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(0, decode[map[string]any](t, rec)["totalCount"])

	rec = te.do(t, http.MethodDelete, "/playlist/"+created.AssetID+"/asset/a1", nil, other)
	assert.Equal(http.StatusForbidden, rec.Code)

	rec = te.do(t, http.MethodDelete, "/playlist/"+created.AssetID+"/asset/a1", nil, cookie)
	assert.Equal(http.StatusOK, rec.Code)

	rec = te.do(t, http.MethodDelete, "/playlist/"+created.AssetID+"/asset/a1", nil, cookie)
	assert.Equal(http.StatusNotFound, rec.Code)

	rec = te.do(t, http.MethodPost, "/playlist/"+created.AssetID+"/asset/a1", nil, cookie)
	assert.Equal(http.StatusOK, rec.Code)

	rec = te.do(t, http.MethodDelete, "/playlist/"+created.AssetID, nil, other)
	assert.Equal(http.StatusForbidden, rec.Code)

	rec = te.do(t, http.MethodDelete, "/playlist/"+created.AssetID, nil, cookie)
	assert.Equal(http.StatusNoContent, rec.Code)

	rec = te.do(t, http.MethodGet, "/playlist/"+created.AssetID, nil, cookie)
	assert.Equal(http.StatusNotFound, rec.Code)
}

func TestPlaylistLimit(t *testing.T) {
	te := newTestEnv(t, func(a *Args) { a.PlaylistLimit = 1 })
	_, cookie := te.signIn(t, "sub-1", "Chief")

	rec := te.do(t, http.MethodPost, "/playlist", map[string]any{"name": "First"}, cookie)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = te.do(t, http.MethodPost, "/playlist", map[string]any{"name": "Second"}, cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPlaylistConditionalGet(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)
	_, cookie := te.signIn(t, "sub-1", "Chief")

	rec := te.do(t, http.MethodPost, "/playlist", map[string]any{"name": "Remakes"}, cookie)
	require.Equal(t, http.StatusCreated, rec.Code)
	p := decode[store.Playlist](t, rec)

	rec = te.do(t, http.MethodGet, "/playlist/"+p.AssetID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	assert.NotEmpty(etag)
	assert.Equal(cachePublic, rec.Header().Get("Cache-Control"))
	assert.NotEmpty(rec.Header().Get("Last-Modified"))

	r := httptest.NewRequest(http.MethodGet, "/playlist/"+p.AssetID, nil)
	r.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	te.srv.Handler().ServeHTTP(rec, r)
	assert.Equal(http.StatusNotModified, rec.Code)
	assert.Zero(rec.Body.Len())
}

func TestPlaylistCacheFollowsFavorites(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)
	_, owner := te.signIn(t, "sub-1", "Chief")
	_, fan := te.signIn(t, "sub-2", "Arbiter")

	rec := te.do(t, http.MethodPost, "/playlist", map[string]any{"name": "Remakes"}, owner)
	require.Equal(t, http.StatusCreated, rec.Code)
	p := decode[store.Playlist](t, rec)

	rec = te.do(t, http.MethodGet, "/playlist/"+p.AssetID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.Contains(rec.Header().Values("Vary"), "Cookie")

	rec = te.do(t, http.MethodPost, "/favorites/"+p.AssetID, nil, fan)
	require.Equal(t, http.StatusOK, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/playlist/"+p.AssetID, nil)
	r.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	te.srv.Handler().ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(etag, rec.Header().Get("ETag"))
	pl := decode[map[string]any](t, rec)["playlist"].(map[string]any)
	assert.EqualValues(1, pl["favoriteCount"])
	assert.Equal(false, pl["favorited"])

	// a signed in copy carries the viewer's own flag and must stay out of shared caches
	rec = te.do(t, http.MethodGet, "/playlist/"+p.AssetID, nil, fan)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(cachePrivate, rec.Header().Get("Cache-Control"))
	assert.Empty(rec.Header().Get("ETag"))
	assert.Contains(rec.Header().Values("Vary"), "Cookie")
	pl = decode[map[string]any](t, rec)["playlist"].(map[string]any)
	assert.Equal(true, pl["favorited"])
}

func TestPlaylistWriteRateLimit(t *testing.T) {
	te := newTestEnv(t, func(a *Args) { a.PlaylistWriteBurst = 2 })
	_, cookie := te.signIn(t, "sub-1", "Chief")

	rec := te.do(t, http.MethodPost, "/playlist", map[string]any{"name": "Remakes"}, cookie)
	require.Equal(t, http.StatusCreated, rec.Code)
	p := decode[store.Playlist](t, rec)

	for i := 0; i < 2; i++ {
		rec = te.do(t, http.MethodPut, "/playlist/"+p.AssetID, map[string]any{"description": fmt.Sprintf("take %d", i)}, cookie)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = te.do(t, http.MethodPut, "/playlist/"+p.AssetID, map[string]any{"description": "one more"}, cookie)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestFavorites(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)
	_, owner := te.signIn(t, "sub-1", "Chief")
	_, fan := te.signIn(t, "sub-2", "Arbiter")

	rec := te.do(t, http.MethodPost, "/playlist", map[string]any{"name": "Remakes"}, owner)
	require.Equal(t, http.StatusCreated, rec.Code)
	public := decode[store.Playlist](t, rec)

	rec = te.do(t, http.MethodPost, "/playlist", map[string]any{"name": "Secret", "isPrivate": true}, owner)
	require.Equal(t, http.StatusCreated, rec.Code)
	private := decode[store.Playlist](t, rec)

	rec = te.do(t, http.MethodPost, "/favorites/"+public.AssetID, nil)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	rec = te.do(t, http.MethodPost, "/favorites/"+public.AssetID, nil, fan)
	require.Equal(t, http.StatusOK, rec.Code)
	fav := decode[favoriteResponse](t, rec)
	assert.True(fav.Favorited)
	assert.EqualValues(1, fav.FavoriteCount)

	// adding twice is harmless
	rec = te.do(t, http.MethodPost, "/favorites/"+public.AssetID, nil, fan)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(1, decode[favoriteResponse](t, rec).FavoriteCount)

	rec = te.do(t, http.MethodPost, "/favorites/"+private.AssetID, nil, fan)
	assert.Equal(http.StatusForbidden, rec.Code)

	rec = te.do(t, http.MethodPost, "/favorites/missing", nil, fan)
	assert.Equal(http.StatusNotFound, rec.Code)

	rec = te.do(t, http.MethodGet, "/favorites", nil, fan)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(1, decode[map[string]any](t, rec)["totalCount"])

	rec = te.do(t, http.MethodGet, "/playlist/"+public.AssetID, nil, fan)
	require.Equal(t, http.StatusOK, rec.Code)
	pl := decode[map[string]any](t, rec)["playlist"].(map[string]any)
	assert.Equal(true, pl["favorited"])
	assert.EqualValues(1, pl["favoriteCount"])

	rec = te.do(t, http.MethodDelete, "/favorites/"+public.AssetID, nil, fan)
	require.Equal(t, http.StatusOK, rec.Code)
	fav = decode[favoriteResponse](t, rec)
	assert.False(fav.Favorited)
	assert.Zero(fav.FavoriteCount)
}

func TestMapProxy(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)
	_, cookie := te.signIn(t, "sub-1", "Chief")

	rec := te.do(t, http.MethodGet, "/ugc/maps/m1", nil)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	rec = te.do(t, http.MethodGet, "/ugc/maps/m1", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(`{"AssetId":"m1","PublicName":"Guardian"}`, rec.Body.String())

	rec = te.do(t, http.MethodGet, "/ugc/asset/m1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal("Guardian", got["name"])
	assert.EqualValues(assetKindMap, got["assetKind"])
	assert.EqualValues(42, got["likes"])
	assert.Equal([]any{"forge"}, got["tags"])
	assert.Equal("77", got["authorId"])

	rec = te.do(t, http.MethodGet, "/ugc/browse?assetKind=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(1, decode[map[string]any](t, rec)["totalCount"])
	assert.True(strings.HasPrefix(rec.Header().Get("Cache-Control"), "public"))
}

func TestMapProxyPlatformFailures(t *testing.T) {
	te := newTestEnv(t)
	_, cookie := te.signIn(t, "sub-1", "Chief")

	tests := []struct {
		name       string
		tokenErr   error
		contentErr error
		want       int
		message    string
	}{
		{"no token", autherr.New(autherr.KindPlatformAuth, "refresh", errors.New("expired")), nil, http.StatusUnauthorized, logInAgain},
		{"token rejected", nil, autherr.New(autherr.KindPlatformAuth, waypoint.Hop, errors.New("401")), http.StatusUnauthorized, logInAgain},
		{"missing map", nil, autherr.New(autherr.KindNotFound, waypoint.Hop, errors.New("404")), http.StatusNotFound, "Not Found"},
		{"upstream down", nil, autherr.New(autherr.KindNetwork, waypoint.Hop, errors.New("503")), http.StatusBadGateway, logInAgain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te.tokens.err = tt.tokenErr
			te.content.err = tt.contentErr

			rec := te.do(t, http.MethodGet, "/ugc/maps/m1", nil, cookie)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.message, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestBrowseValidation(t *testing.T) {
	te := newTestEnv(t)

	for _, target := range []string{"/ugc/browse?count=31", "/ugc/browse?offset=-1", "/playlist/browse?count=-2"} {
		rec := te.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, target)
	}

	rec := te.do(t, http.MethodGet, "/ugc/asset/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	assert := assert.New(t)

	te := newTestEnv(t, func(a *Args) { a.Pingers = map[string]Pinger{"redis": fakePinger{}} })
	rec := te.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal("ok", decode[healthResponse](t, rec).Status)

	rec = te.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "unggoy_http_requests_total")

	te = newTestEnv(t, func(a *Args) { a.Pingers = map[string]Pinger{"redis": fakePinger{err: errors.New("down")}} })
	rec = te.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	got := decode[healthResponse](t, rec)
	assert.Equal("degraded", got.Status)
	assert.Equal("unavailable", got.Checks["redis"])
}
