package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const PlaylistPlaceholderThumbnail = "/placeholder.webp"

type PlaylistFilter struct {
	SearchTerm string
	// Gamertag matches the owner's username.
	Gamertag string
	OwnerID  string
	// FavoritedBy lists the playlists a user has favorited.
	FavoritedBy string
	// ViewerID can see their own private playlists in favorite listings.
	ViewerID       string
	IncludePrivate bool

	Sort   string
	Order  string
	Count  int
	Offset int
}

// PlaylistUpdate is a partial update. Nil fields are left alone.
type PlaylistUpdate struct {
	Name        *string
	Description *string
	Private     *bool
}

var playlistSortColumns = map[string]string{
	"name":      "name",
	"createdAt": "created_at",
	"updatedAt": "updated_at",
}

func (s *Store) CountPlaylists(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Playlist{}).Where("user_id = ?", userID).Count(&n).Error
	return n, translate(err)
}

// CreatePlaylist inserts p and, when initialAssetID is set, adds that asset to it in the same
// transaction.
func (s *Store) CreatePlaylist(ctx context.Context, p *Playlist, initialAssetID string) error {
	if p.AssetID == "" {
		p.AssetID = uuid.NewString()
	}
	if p.ThumbnailURL == "" {
		p.ThumbnailURL = PlaylistPlaceholderThumbnail
	}

	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Playlist{}).Where("user_id = ? AND name = ?", p.UserID, p.Name).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return gorm.ErrDuplicatedKey
		}

		if err := tx.Omit(clause.Associations).Create(p).Error; err != nil {
			return err
		}

		if initialAssetID == "" {
			return nil
		}

		var asset Asset
		if err := tx.Where("asset_id = ?", initialAssetID).Take(&asset).Error; err != nil {
			return err
		}

		return tx.Model(p).Association("Assets").Append(&asset)
	}))
}

func (s *Store) GetPlaylist(ctx context.Context, playlistID string) (*Playlist, error) {
	var p Playlist
	if err := s.db.WithContext(ctx).Preload("User").Where("asset_id = ?", playlistID).Take(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *Store) UpdatePlaylist(ctx context.Context, playlistID string, u PlaylistUpdate) (*Playlist, error) {
	var out *Playlist

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Playlist
		if err := tx.Where("asset_id = ?", playlistID).Take(&p).Error; err != nil {
			return err
		}

		fields := map[string]any{"updated_at": time.Now()}

		if u.Name != nil && *u.Name != p.Name {
			var existing int64
			if err := tx.Model(&Playlist{}).Where("user_id = ? AND name = ? AND asset_id <> ?", p.UserID, *u.Name, p.AssetID).Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return gorm.ErrDuplicatedKey
			}
			fields["name"] = *u.Name
		}
		if u.Description != nil {
			fields["description"] = *u.Description
		}
		if u.Private != nil {
			fields["private"] = *u.Private
		}

		if err := tx.Model(&p).Updates(fields).Error; err != nil {
			return err
		}

		if err := tx.Preload("User").Where("asset_id = ?", playlistID).Take(&p).Error; err != nil {
			return err
		}

		out = &p
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}

	return out, nil
}

// DeletePlaylist removes the playlist along with its asset and favorite links.
func (s *Store) DeletePlaylist(ctx context.Context, playlistID string) error {
	p := Playlist{AssetID: playlistID}
	res := s.db.WithContext(ctx).Select("Assets", "FavoritedBy").Delete(&p)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return translate(gormNotFound)
	}
	return nil
}

func (s *Store) AddPlaylistAsset(ctx context.Context, playlistID, assetID string) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Playlist
		if err := tx.Where("asset_id = ?", playlistID).Take(&p).Error; err != nil {
			return err
		}

		var a Asset
		if err := tx.Where("asset_id = ?", assetID).Take(&a).Error; err != nil {
			return err
		}

		if err := tx.Model(&p).Association("Assets").Append(&a); err != nil {
			return err
		}

		return tx.Model(&p).Update("updated_at", time.Now()).Error
	}))
}

// RemovePlaylistAsset fails with autherr.ErrNotFound when the asset is not in the playlist.
func (s *Store) RemovePlaylistAsset(ctx context.Context, playlistID, assetID string) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec("DELETE FROM playlist_assets WHERE playlist_id = ? AND asset_id = ?", playlistID, assetID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		return tx.Model(&Playlist{}).Where("asset_id = ?", playlistID).Update("updated_at", time.Now()).Error
	}))
}

func (s *Store) BrowsePlaylists(ctx context.Context, f PlaylistFilter) (*Page[Playlist], error) {
	f.Count, f.Offset = clampPage(f.Count, f.Offset)

	var total int64
	if err := s.playlistQuery(ctx, f).Count(&total).Error; err != nil {
		return nil, translate(err)
	}

	q := s.playlistQuery(ctx, f).Preload("User")

	if f.Sort == "favorites" {
		q = q.Order("(SELECT COUNT(*) FROM user_favorites WHERE user_favorites.playlist_id = playlists.asset_id) DESC")
	} else {
		col, ok := playlistSortColumns[f.Sort]
		if !ok {
			col = "name"
		}
		q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: col}, Desc: f.Order != "asc"})
	}

	var playlists []Playlist
	if err := q.Limit(f.Count).Offset(f.Offset).Find(&playlists).Error; err != nil {
		return nil, translate(err)
	}

	return &Page[Playlist]{
		TotalCount: total,
		PageSize:   f.Count,
		Assets:     playlists,
	}, nil
}

func (s *Store) playlistQuery(ctx context.Context, f PlaylistFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&Playlist{})

	switch {
	case f.IncludePrivate:
	case f.ViewerID != "":
		q = q.Where("private = ? OR user_id = ?", false, f.ViewerID)
	default:
		q = q.Where("private = ?", false)
	}

	if f.OwnerID != "" {
		q = q.Where("user_id = ?", f.OwnerID)
	}

	if f.SearchTerm != "" {
		q = q.Where("name LIKE ?", "%"+f.SearchTerm+"%")
	}

	if f.Gamertag != "" {
		q = q.Where("user_id IN (?)", s.db.Model(&User{}).Select("id").Where("username = ?", f.Gamertag))
	}

	if f.FavoritedBy != "" {
		q = q.Where("asset_id IN (?)", s.db.Table("user_favorites").Select("playlist_id").Where("user_id = ?", f.FavoritedBy))
	}

	return q
}

// AddFavorite is idempotent.
func (s *Store) AddFavorite(ctx context.Context, userID, playlistID string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Table("user_favorites").Create(map[string]any{
		"user_id":     userID,
		"playlist_id": playlistID,
	}).Error
	return translate(err)
}

func (s *Store) RemoveFavorite(ctx context.Context, userID, playlistID string) error {
	return translate(s.db.WithContext(ctx).Exec("DELETE FROM user_favorites WHERE user_id = ? AND playlist_id = ?", userID, playlistID).Error)
}

func (s *Store) FavoriteCount(ctx context.Context, playlistID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Table("user_favorites").Where("playlist_id = ?", playlistID).Count(&n).Error
	return n, translate(err)
}

func (s *Store) IsFavorite(ctx context.Context, userID, playlistID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Table("user_favorites").Where("user_id = ? AND playlist_id = ?", userID, playlistID).Count(&n).Error
	return n > 0, translate(err)
}
