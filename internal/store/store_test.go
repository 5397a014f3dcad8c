package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/tokenchain"
)

var ctx = context.Background()

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(ctx, OpenArgs{Dsn: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func createUser(t *testing.T, s *Store, subject, username string) *User {
	t.Helper()

	u := &User{Subject: subject, Username: username, PlatformUserID: "xuid-" + subject}
	require.NoError(t, s.CreateUser(ctx, u))

	return u
}

func seedAssets(t *testing.T, s *Store) {
	t.Helper()

	chief := Contributor{Xuid: "1", Gamertag: "Chief"}
	arbiter := Contributor{Xuid: "2", Gamertag: "Arbiter"}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assets := []Asset{
		{AssetID: "a1", Name: "Blood Gulch", AssetKind: 2, Author: &chief, Contributors: []Contributor{chief}, Tags: []Tag{{Name: "remake"}}, PublishedAt: base, Likes: 5},
		{AssetID: "a2", Name: "Lockout", AssetKind: 2, Author: &arbiter, Contributors: []Contributor{arbiter, chief}, Tags: []Tag{{Name: "remake"}, {Name: "4v4"}}, PublishedAt: base.Add(time.Hour), Likes: 10},
		{AssetID: "a3", Name: "Infection Night", AssetKind: 6, Author: &arbiter, Contributors: []Contributor{arbiter}, PublishedAt: base.Add(2 * time.Hour), Likes: 1},
	}

	for i := range assets {
		require.NoError(t, s.SaveAsset(ctx, &assets[i]))
	}
}

func TestUsers(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	u := createUser(t, s, "sub-123", "Chief")
	assert.NotEmpty(u.ID)

	found, err := s.UserBySubject(ctx, "sub-123")
	require.NoError(t, err)
	assert.Equal(u.ID, found.ID)

	_, err = s.UserBySubject(ctx, "sub-404")
	assert.ErrorIs(err, autherr.ErrNotFound)

	err = s.CreateUser(ctx, &User{Subject: "sub-123", Username: "Impostor"})
	assert.ErrorIs(err, autherr.ErrDuplicate)

	require.NoError(t, s.UpdateUserProfile(ctx, u.ID, map[string]any{"username": "Chief117", "subject": "sub-999"}))
	found, err = s.UserBySubject(ctx, "sub-123")
	require.NoError(t, err)
	assert.Equal("Chief117", found.Username)
	assert.Equal("sub-123", found.Subject)
}

func TestSessions(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)
	u := createUser(t, s, "sub-123", "Chief")

	now := time.Now()
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "live", UserID: u.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "stale", UserID: u.ID, CreatedAt: now, ExpiresAt: now.Add(-time.Hour)}))

	sess, user, err := s.SessionWithUser(ctx, "live")
	require.NoError(t, err)
	assert.Equal(u.ID, sess.UserID)
	assert.Equal("Chief", user.Username)

	require.NoError(t, s.ExtendSession(ctx, "live", now.Add(2*time.Hour)))
	sess, _, err = s.SessionWithUser(ctx, "live")
	require.NoError(t, err)
	assert.WithinDuration(now.Add(2*time.Hour), sess.ExpiresAt, time.Second)

	n, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(int64(1), n)

	_, _, err = s.SessionWithUser(ctx, "stale")
	assert.ErrorIs(err, autherr.ErrNotFound)

	require.NoError(t, s.DeleteSession(ctx, "live"))
	require.NoError(t, s.DeleteSession(ctx, "live"))
	_, _, err = s.SessionWithUser(ctx, "live")
	assert.ErrorIs(err, autherr.ErrNotFound)
}

func TestPlatformSessions(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	ps, err := s.GetPlatformSession(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(ps)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	first := &tokenchain.PlatformSession{
		PlatformUserID: "2533",
		DisplayName:    "Chief",
		ServiceToken:   tokenchain.ServiceToken{Value: "spartan-1", ExpiresAt: expires},
		ClearanceToken: "flight-1",
		RefreshToken:   "refresh-1",
	}
	require.NoError(t, s.SavePlatformSession(ctx, "user-1", first))

	second := *first
	second.ServiceToken = tokenchain.ServiceToken{Value: "spartan-2", ExpiresAt: expires.Add(time.Hour)}
	second.RefreshToken = "refresh-2"
	require.NoError(t, s.SavePlatformSession(ctx, "user-1", &second))

	ps, err = s.GetPlatformSession(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal("spartan-2", ps.ServiceToken.Value)
	assert.Equal("refresh-2", ps.RefreshToken)
	assert.True(expires.Add(time.Hour).Equal(ps.ServiceToken.ExpiresAt))
}

func TestBrowseAssets(t *testing.T) {
	s := newTestStore(t)
	seedAssets(t, s)

	tests := []struct {
		name   string
		filter AssetFilter
		want   []string
	}{
		{"default sort is newest first", AssetFilter{}, []string{"a3", "a2", "a1"}},
		{"asset kind", AssetFilter{AssetKind: 2}, []string{"a2", "a1"}},
		{"search term", AssetFilter{SearchTerm: "Gulch"}, []string{"a1"}},
		{"tag", AssetFilter{Tag: "remake", Sort: "name", Order: "asc"}, []string{"a1", "a2"}},
		{"contributor", AssetFilter{Gamertag: "Chief"}, []string{"a2", "a1"}},
		{"owner only", AssetFilter{Gamertag: "Chief", OwnerOnly: true}, []string{"a1"}},
		{"sort by likes", AssetFilter{Sort: "likes"}, []string{"a2", "a1", "a3"}},
		{"unknown sort column falls back", AssetFilter{Sort: "name; DROP TABLE assets"}, []string{"a3", "a2", "a1"}},
		{"paging", AssetFilter{Count: 1, Offset: 1}, []string{"a2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.BrowseAssets(ctx, tt.filter)
			require.NoError(t, err)

			var got []string
			for _, a := range page.Assets {
				got = append(got, a.AssetID)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	page, err := s.BrowseAssets(ctx, AssetFilter{Count: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.TotalCount)
	assert.Equal(t, 1, page.PageSize)
}

func TestGetAsset(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)
	seedAssets(t, s)

	a, err := s.GetAsset(ctx, "a2")
	require.NoError(t, err)
	assert.Equal("Lockout", a.Name)
	assert.ElementsMatch([]string{"remake", "4v4"}, a.TagNames())
	assert.Len(a.Contributors, 2)
	require.NotNil(t, a.Author)
	assert.Equal("Arbiter", a.Author.Gamertag)

	_, err = s.GetAsset(ctx, "missing")
	assert.ErrorIs(err, autherr.ErrNotFound)
}

func TestSaveAssetKeepsGamertags(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)
	seedAssets(t, s)

	// ids only, as the content service reports them
	require.NoError(t, s.SaveAsset(ctx, &Asset{
		AssetID:      "a1",
		Name:         "Blood Gulch",
		AssetKind:    2,
		Author:       &Contributor{Xuid: "1"},
		Contributors: []Contributor{{Xuid: "1"}, {Xuid: "3"}},
		Likes:        6,
	}))

	a, err := s.GetAsset(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(6, a.Likes)
	assert.Empty(a.Tags)
	require.NotNil(t, a.Author)
	assert.Equal("Chief", a.Author.Gamertag)
	assert.Len(a.Contributors, 2)
}

func TestPlaylists(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)
	seedAssets(t, s)
	u := createUser(t, s, "sub-123", "Chief")

	p := &Playlist{UserID: u.ID, Name: "Favourite remakes", Description: "The classics, remade"}
	require.NoError(t, s.CreatePlaylist(ctx, p, "a1"))
	assert.NotEmpty(p.AssetID)
	assert.Equal(PlaylistPlaceholderThumbnail, p.ThumbnailURL)

	err := s.CreatePlaylist(ctx, &Playlist{UserID: u.ID, Name: "Favourite remakes"}, "")
	assert.ErrorIs(err, autherr.ErrDuplicate)

	n, err := s.CountPlaylists(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(int64(1), n)

	require.NoError(t, s.AddPlaylistAsset(ctx, p.AssetID, "a2"))
	assert.ErrorIs(s.AddPlaylistAsset(ctx, p.AssetID, "missing"), autherr.ErrNotFound)

	page, err := s.BrowseAssets(ctx, AssetFilter{PlaylistID: p.AssetID})
	require.NoError(t, err)
	assert.Equal(int64(2), page.TotalCount)

	require.NoError(t, s.RemovePlaylistAsset(ctx, p.AssetID, "a1"))
	assert.ErrorIs(s.RemovePlaylistAsset(ctx, p.AssetID, "a1"), autherr.ErrNotFound)

	name := "Remakes"
	private := true
	updated, err := s.UpdatePlaylist(ctx, p.AssetID, PlaylistUpdate{Name: &name, Private: &private})
	require.NoError(t, err)
	assert.Equal("Remakes", updated.Name)
	assert.True(updated.Private)
	assert.Equal("The classics, remade", updated.Description)

	require.NoError(t, s.DeletePlaylist(ctx, p.AssetID))
	_, err = s.GetPlaylist(ctx, p.AssetID)
	assert.ErrorIs(err, autherr.ErrNotFound)
	assert.ErrorIs(s.DeletePlaylist(ctx, p.AssetID), autherr.ErrNotFound)
}

func TestBrowsePlaylistsAndFavorites(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)
	chief := createUser(t, s, "sub-1", "Chief")
	arbiter := createUser(t, s, "sub-2", "Arbiter")

	public := &Playlist{UserID: chief.ID, Name: "Public"}
	hidden := &Playlist{UserID: chief.ID, Name: "Hidden", Private: true}
	other := &Playlist{UserID: arbiter.ID, Name: "Arbiter's"}
	for _, p := range []*Playlist{public, hidden, other} {
		require.NoError(t, s.CreatePlaylist(ctx, p, ""))
	}

	page, err := s.BrowsePlaylists(ctx, PlaylistFilter{})
	require.NoError(t, err)
	assert.Equal(int64(2), page.TotalCount)

	page, err = s.BrowsePlaylists(ctx, PlaylistFilter{Gamertag: "Chief"})
	require.NoError(t, err)
	require.Len(t, page.Assets, 1)
	assert.Equal("Public", page.Assets[0].Name)

	page, err = s.BrowsePlaylists(ctx, PlaylistFilter{OwnerID: chief.ID, IncludePrivate: true})
	require.NoError(t, err)
	assert.Equal(int64(2), page.TotalCount)

	require.NoError(t, s.AddFavorite(ctx, arbiter.ID, public.AssetID))
	require.NoError(t, s.AddFavorite(ctx, arbiter.ID, public.AssetID))
	require.NoError(t, s.AddFavorite(ctx, chief.ID, public.AssetID))
	require.NoError(t, s.AddFavorite(ctx, chief.ID, other.AssetID))

	count, err := s.FavoriteCount(ctx, public.AssetID)
	require.NoError(t, err)
	assert.Equal(int64(2), count)

	page, err = s.BrowsePlaylists(ctx, PlaylistFilter{Sort: "favorites"})
	require.NoError(t, err)
	assert.Equal("Public", page.Assets[0].Name)

	page, err = s.BrowsePlaylists(ctx, PlaylistFilter{FavoritedBy: chief.ID, ViewerID: chief.ID})
	require.NoError(t, err)
	assert.Equal(int64(2), page.TotalCount)

	require.NoError(t, s.RemoveFavorite(ctx, chief.ID, other.AssetID))
	fav, err := s.IsFavorite(ctx, chief.ID, other.AssetID)
	require.NoError(t, err)
	assert.False(fav)

	// deleting a playlist drops its favorites
	require.NoError(t, s.DeletePlaylist(ctx, public.AssetID))
	page, err = s.BrowsePlaylists(ctx, PlaylistFilter{FavoritedBy: arbiter.ID, ViewerID: arbiter.ID})
	require.NoError(t, err)
	assert.Zero(page.TotalCount)
}
