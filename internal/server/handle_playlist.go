package server

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/store"
	"github.com/unggoy/unggoy-api/internal/textutil"
)

const (
	minPlaylistName = 3

	cachePublic  = "public, max-age=300, stale-while-revalidate=600"
	cachePrivate = "private, no-store, max-age=0"
)

type playlistBody struct {
	Name        *string `json:"name" form:"name"`
	Description *string `json:"description" form:"description"`
	Private     *bool   `json:"isPrivate" form:"isPrivate"`
	AssetID     string  `json:"assetId" form:"assetId"`
}

type playlistQuery struct {
	SearchTerm string `query:"searchTerm"`
	Gamertag   string `query:"gamertag"`
	Sort       string `query:"sort"`
	Order      string `query:"order"`
	Count      int    `query:"count"`
	Offset     int    `query:"offset"`
}

type playlistView struct {
	*store.Playlist
	FavoriteCount int64 `json:"favoriteCount"`
	Favorited     bool  `json:"favorited"`
}

type playlistPage struct {
	*store.Page[assetView]
	Playlist playlistView `json:"playlist"`
}

func bindPlaylistQuery(e echo.Context) (store.PlaylistFilter, error) {
	var q playlistQuery
	if err := (&echo.DefaultBinder{}).BindQueryParams(e, &q); err != nil {
		return store.PlaylistFilter{}, autherr.New(autherr.KindValidation, "", err)
	}

	if err := checkPage(q.Count, q.Offset); err != nil {
		return store.PlaylistFilter{}, err
	}

	return store.PlaylistFilter{
		SearchTerm: q.SearchTerm,
		Gamertag:   q.Gamertag,
		Sort:       q.Sort,
		Order:      q.Order,
		Count:      q.Count,
		Offset:     q.Offset,
	}, nil
}

// sanitized cleans an optional text field. Absent fields stay absent.
func sanitized(v *string, min int, field string) (*string, error) {
	if v == nil {
		return nil, nil
	}

	out, ok := textutil.Sanitize(*v, min)
	if !ok {
		return nil, autherr.New(autherr.KindValidation, "", errors.New(field+" has an invalid length"))
	}

	return &out, nil
}

// ownedPlaylist loads a playlist and checks the current user owns it.
func (s *Server) ownedPlaylist(e echo.Context) (*store.Playlist, error) {
	p, err := s.store.GetPlaylist(e.Request().Context(), e.Param("playlistId"))
	if err != nil {
		return nil, err
	}

	if p.UserID != currentUser(e).ID {
		return nil, autherr.ErrForbidden
	}

	return p, nil
}

// visiblePlaylist loads a playlist the current user, if any, may see.
func (s *Server) visiblePlaylist(e echo.Context) (*store.Playlist, error) {
	p, err := s.store.GetPlaylist(e.Request().Context(), e.Param("playlistId"))
	if err != nil {
		return nil, err
	}

	if p.Private {
		user := currentUser(e)
		if user == nil {
			return nil, autherr.ErrUnauthorized
		}
		if p.UserID != user.ID {
			return nil, autherr.ErrForbidden
		}
	}

	return p, nil
}

func (s *Server) handleCreatePlaylist(e echo.Context) error {
	ctx := e.Request().Context()
	user := currentUser(e)

	var body playlistBody
	if err := e.Bind(&body); err != nil {
		return err
	}

	if body.Name == nil {
		return autherr.New(autherr.KindValidation, "", errors.New("name is required"))
	}

	name, err := sanitized(body.Name, minPlaylistName, "name")
	if err != nil {
		return err
	}

	description, err := sanitized(body.Description, 0, "description")
	if err != nil {
		return err
	}

	n, err := s.store.CountPlaylists(ctx, user.ID)
	if err != nil {
		return err
	}
	if n >= int64(s.playlistLimit) {
		return autherr.ErrForbidden
	}

	p := &store.Playlist{
		UserID: user.ID,
		Name:   *name,
	}
	if description != nil {
		p.Description = *description
	}
	if body.Private != nil {
		p.Private = *body.Private
	}

	if err := s.store.CreatePlaylist(ctx, p, body.AssetID); err != nil {
		return err
	}

	return e.JSON(http.StatusCreated, p)
}

func (s *Server) handleBrowsePlaylists(e echo.Context) error {
	f, err := bindPlaylistQuery(e)
	if err != nil {
		return err
	}

	page, err := s.store.BrowsePlaylists(e.Request().Context(), f)
	if err != nil {
		return err
	}

	e.Response().Header().Set("Cache-Control", cachePublic)
	return e.JSON(http.StatusOK, page)
}

func (s *Server) handleMyPlaylists(e echo.Context) error {
	f, err := bindPlaylistQuery(e)
	if err != nil {
		return err
	}

	f.Gamertag = ""
	f.OwnerID = currentUser(e).ID
	f.IncludePrivate = true

	page, err := s.store.BrowsePlaylists(e.Request().Context(), f)
	if err != nil {
		return err
	}

	e.Response().Header().Set("Cache-Control", cachePrivate)
	return e.JSON(http.StatusOK, page)
}

// handleGetPlaylist returns one page of a playlist's assets along with the playlist itself.
// Public playlists fetched without a session are cacheable and answer conditional requests.
// Signed in viewers get their own favorited flag, so their copy is never shared.
func (s *Server) handleGetPlaylist(e echo.Context) error {
	ctx := e.Request().Context()

	p, err := s.visiblePlaylist(e)
	if err != nil {
		return err
	}

	f, err := bindAssetQuery(e)
	if err != nil {
		return err
	}
	f.PlaylistID = p.AssetID

	view := playlistView{Playlist: p}
	if view.FavoriteCount, err = s.store.FavoriteCount(ctx, p.AssetID); err != nil {
		return err
	}

	user := currentUser(e)

	h := e.Response().Header()
	h.Add("Vary", "Cookie")
	if p.Private || user != nil {
		h.Set("Cache-Control", cachePrivate)
	} else {
		etag := `"` + playlistETag(p, view.FavoriteCount) + `"`
		h.Set("Cache-Control", cachePublic)
		h.Set("ETag", etag)
		h.Set("Last-Modified", p.UpdatedAt.UTC().Format(http.TimeFormat))

		if e.Request().Header.Get("If-None-Match") == etag {
			return e.NoContent(http.StatusNotModified)
		}
	}

	page, err := s.store.BrowseAssets(ctx, f)
	if err != nil {
		return err
	}

	if user != nil {
		if view.Favorited, err = s.store.IsFavorite(ctx, user.ID, p.AssetID); err != nil {
			return err
		}
	}

	return e.JSON(http.StatusOK, playlistPage{
		Page:     viewAssets(page),
		Playlist: view,
	})
}

// playlistETag changes whenever the playlist row or its favorite count does.
func playlistETag(p *store.Playlist, favorites int64) string {
	sum := md5.Sum(fmt.Appendf(nil, "%s:%d", p.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z"), favorites))
	return hex.EncodeToString(sum[:])
}

func (s *Server) handleUpdatePlaylist(e echo.Context) error {
	var body playlistBody
	if err := e.Bind(&body); err != nil {
		return err
	}

	if body.Name == nil && body.Description == nil && body.Private == nil {
		return autherr.New(autherr.KindValidation, "", errors.New("nothing to update"))
	}

	name, err := sanitized(body.Name, minPlaylistName, "name")
	if err != nil {
		return err
	}

	description, err := sanitized(body.Description, 0, "description")
	if err != nil {
		return err
	}

	p, err := s.ownedPlaylist(e)
	if err != nil {
		return err
	}

	updated, err := s.store.UpdatePlaylist(e.Request().Context(), p.AssetID, store.PlaylistUpdate{
		Name:        name,
		Description: description,
		Private:     body.Private,
	})
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeletePlaylist(e echo.Context) error {
	p, err := s.ownedPlaylist(e)
	if err != nil {
		return err
	}

	if err := s.store.DeletePlaylist(e.Request().Context(), p.AssetID); err != nil {
		return err
	}

	return e.NoContent(http.StatusNoContent)
}

func (s *Server) handleAddPlaylistAsset(e echo.Context) error {
	p, err := s.ownedPlaylist(e)
	if err != nil {
		return err
	}

	ctx := e.Request().Context()
	if err := s.store.AddPlaylistAsset(ctx, p.AssetID, e.Param("assetId")); err != nil {
		return err
	}

	updated, err := s.store.GetPlaylist(ctx, p.AssetID)
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, updated)
}

func (s *Server) handleRemovePlaylistAsset(e echo.Context) error {
	p, err := s.ownedPlaylist(e)
	if err != nil {
		return err
	}

	ctx := e.Request().Context()
	if err := s.store.RemovePlaylistAsset(ctx, p.AssetID, e.Param("assetId")); err != nil {
		return err
	}

	updated, err := s.store.GetPlaylist(ctx, p.AssetID)
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, updated)
}
