package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type favoriteResponse struct {
	PlaylistID    string `json:"playlistId"`
	Favorited     bool   `json:"favorited"`
	FavoriteCount int64  `json:"favoriteCount"`
}

func (s *Server) handleListFavorites(e echo.Context) error {
	f, err := bindPlaylistQuery(e)
	if err != nil {
		return err
	}

	user := currentUser(e)
	f.FavoritedBy = user.ID
	f.ViewerID = user.ID

	page, err := s.store.BrowsePlaylists(e.Request().Context(), f)
	if err != nil {
		return err
	}

	e.Response().Header().Set("Cache-Control", cachePrivate)
	return e.JSON(http.StatusOK, page)
}

func (s *Server) handleAddFavorite(e echo.Context) error {
	return s.setFavorite(e, true)
}

func (s *Server) handleRemoveFavorite(e echo.Context) error {
	return s.setFavorite(e, false)
}

func (s *Server) setFavorite(e echo.Context, favorite bool) error {
	ctx := e.Request().Context()
	user := currentUser(e)

	p, err := s.visiblePlaylist(e)
	if err != nil {
		return err
	}

	if favorite {
		err = s.store.AddFavorite(ctx, user.ID, p.AssetID)
	} else {
		err = s.store.RemoveFavorite(ctx, user.ID, p.AssetID)
	}
	if err != nil {
		return err
	}

	n, err := s.store.FavoriteCount(ctx, p.AssetID)
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, favoriteResponse{
		PlaylistID:    p.AssetID,
		Favorited:     favorite,
		FavoriteCount: n,
	})
}
