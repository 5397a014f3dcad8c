package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/store"
	"github.com/unggoy/unggoy-api/internal/waypoint"
)

const assetKindMap = 2

const logInAgain = "Platform session unavailable, please log in again"

type assetView struct {
	*store.Asset
	Tags []string `json:"tags"`
}

func viewAsset(a *store.Asset) assetView {
	return assetView{Asset: a, Tags: a.TagNames()}
}

func viewAssets(page *store.Page[store.Asset]) *store.Page[assetView] {
	out := &store.Page[assetView]{
		TotalCount: page.TotalCount,
		PageSize:   page.PageSize,
		Assets:     make([]assetView, 0, len(page.Assets)),
	}
	for i := range page.Assets {
		out.Assets = append(out.Assets, viewAsset(&page.Assets[i]))
	}
	return out
}

type assetQuery struct {
	AssetKind  int    `query:"assetKind"`
	SearchTerm string `query:"searchTerm"`
	Gamertag   string `query:"gamertag"`
	OwnerOnly  bool   `query:"ownerOnly"`
	Tags       string `query:"tags"`
	Sort       string `query:"sort"`
	Order      string `query:"order"`
	Count      int    `query:"count"`
	Offset     int    `query:"offset"`
}

func bindAssetQuery(e echo.Context) (store.AssetFilter, error) {
	var q assetQuery
	if err := (&echo.DefaultBinder{}).BindQueryParams(e, &q); err != nil {
		return store.AssetFilter{}, autherr.New(autherr.KindValidation, "", err)
	}

	if err := checkPage(q.Count, q.Offset); err != nil {
		return store.AssetFilter{}, err
	}

	return store.AssetFilter{
		AssetKind:  q.AssetKind,
		SearchTerm: q.SearchTerm,
		Gamertag:   q.Gamertag,
		OwnerOnly:  q.OwnerOnly,
		Tag:        q.Tags,
		Sort:       q.Sort,
		Order:      q.Order,
		Count:      q.Count,
		Offset:     q.Offset,
	}, nil
}

func checkPage(count, offset int) error {
	if count < 0 || count > store.MaxPageSize || offset < 0 {
		return autherr.New(autherr.KindValidation, "", errors.New("count must be between 1 and 30 and offset positive"))
	}
	return nil
}

func (s *Server) handleUser(e echo.Context) error {
	return e.JSON(http.StatusOK, currentUser(e))
}

func (s *Server) handleGetAsset(e echo.Context) error {
	a, err := s.store.GetAsset(e.Request().Context(), e.Param("assetId"))
	if err != nil {
		return err
	}
	return e.JSON(http.StatusOK, viewAsset(a))
}

func (s *Server) handleBrowseAssets(e echo.Context) error {
	f, err := bindAssetQuery(e)
	if err != nil {
		return err
	}

	page, err := s.store.BrowseAssets(e.Request().Context(), f)
	if err != nil {
		return err
	}

	e.Response().Header().Set("Cache-Control", "public, max-age=300, stale-while-revalidate=600")
	return e.JSON(http.StatusOK, viewAssets(page))
}

// handleMapProxy fetches a map from the content service on the user's behalf and keeps a copy
// for browsing.
func (s *Server) handleMapProxy(e echo.Context) error {
	ctx := e.Request().Context()
	user := currentUser(e)

	creds, err := s.tokens.ServiceToken(ctx, user.ID)
	if err != nil {
		s.logger.Warn("no service token for map lookup", "user", user.ID, "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, logInAgain)
	}

	m, err := s.content.MapAsset(ctx, *creds, e.Param("assetId"))
	if err != nil {
		if errors.Is(err, autherr.ErrPlatformAuth) {
			return echo.NewHTTPError(http.StatusUnauthorized, logInAgain)
		}
		return err
	}

	if err := s.store.SaveAsset(ctx, assetFromMap(m)); err != nil {
		s.logger.Warn("could not store fetched map", "asset", m.AssetID, "error", err)
	}

	return e.JSONBlob(http.StatusOK, m.Raw)
}

func assetFromMap(m *waypoint.MapAsset) *store.Asset {
	a := &store.Asset{
		AssetID:         m.AssetID,
		Name:            m.PublicName,
		Description:     m.Description,
		AssetKind:       assetKindMap,
		ThumbnailURL:    m.Thumbnail(),
		Likes:           m.AssetStats.Likes,
		Bookmarks:       m.AssetStats.Bookmarks,
		PlaysRecent:     m.AssetStats.PlaysRecent,
		PlaysAllTime:    m.AssetStats.PlaysAllTime,
		AverageRating:   m.AssetStats.AverageRating,
		NumberOfRatings: m.AssetStats.NumberOfRatings,
		PublishedAt:     m.PublishedDate.ISO8601Date,
	}

	if m.Admin != "" {
		a.Author = &store.Contributor{Xuid: waypoint.ParseXuid(m.Admin)}
	}

	for _, t := range m.Tags {
		a.Tags = append(a.Tags, store.Tag{Name: t})
	}

	for _, c := range m.Contributors {
		a.Contributors = append(a.Contributors, store.Contributor{Xuid: waypoint.ParseXuid(c)})
	}

	return a
}
