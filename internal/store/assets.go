package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 30
)

// AssetFilter narrows a browse query. Zero values mean "no filter".
type AssetFilter struct {
	AssetKind  int
	SearchTerm string
	Gamertag   string
	// OwnerOnly matches Gamertag against the author instead of any contributor.
	OwnerOnly  bool
	Tag        string
	PlaylistID string

	Sort   string
	Order  string
	Count  int
	Offset int
}

var assetSortColumns = map[string]string{
	"publishedAt":     "published_at",
	"name":            "name",
	"likes":           "likes",
	"bookmarks":       "bookmarks",
	"playsRecent":     "plays_recent",
	"playsAllTime":    "plays_all_time",
	"averageRating":   "average_rating",
	"numberOfRatings": "number_of_ratings",
}

func (s *Store) GetAsset(ctx context.Context, assetID string) (*Asset, error) {
	var a Asset
	err := s.db.WithContext(ctx).
		Preload("Tags").
		Preload("Contributors").
		Preload("Author").
		Where("asset_id = ?", assetID).
		Take(&a).Error
	if err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

// SaveAsset upserts an asset together with its tags and contributors.
func (s *Store) SaveAsset(ctx context.Context, a *Asset) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if a.Author != nil {
			if err := upsertContributors(tx, []Contributor{*a.Author}); err != nil {
				return err
			}
			a.AuthorID = a.Author.Xuid
		}

		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{UpdateAll: true}).Create(a).Error; err != nil {
			return err
		}

		if err := replaceAssociation(tx.Model(a).Association("Tags"), a.Tags, len(a.Tags)); err != nil {
			return err
		}

		if err := upsertContributors(tx, a.Contributors); err != nil {
			return err
		}

		return replaceAssociation(tx.Model(a).Association("Contributors"), a.Contributors, len(a.Contributors))
	}))
}

func replaceAssociation(assoc *gorm.Association, values any, n int) error {
	if n == 0 {
		return assoc.Clear()
	}
	return assoc.Replace(values)
}

// upsertContributors refreshes known gamertags. Contributors that arrive without one, as ids
// from the content service do, never blank a stored name.
func upsertContributors(tx *gorm.DB, cs []Contributor) error {
	for i := range cs {
		onConflict := clause.OnConflict{UpdateAll: true}
		if cs[i].Gamertag == "" {
			onConflict = clause.OnConflict{DoNothing: true}
		}
		if err := tx.Clauses(onConflict).Create(&cs[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) BrowseAssets(ctx context.Context, f AssetFilter) (*Page[Asset], error) {
	f = normalizeAssetFilter(f)

	var total int64
	if err := s.assetQuery(ctx, f).Count(&total).Error; err != nil {
		return nil, translate(err)
	}

	var assets []Asset
	err := s.assetQuery(ctx, f).
		Preload("Tags").
		Preload("Contributors").
		Order(clause.OrderByColumn{Column: clause.Column{Name: f.Sort}, Desc: f.Order == "desc"}).
		Limit(f.Count).
		Offset(f.Offset).
		Find(&assets).Error
	if err != nil {
		return nil, translate(err)
	}

	return &Page[Asset]{
		TotalCount: total,
		PageSize:   f.Count,
		Assets:     assets,
	}, nil
}

func (s *Store) assetQuery(ctx context.Context, f AssetFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&Asset{})

	if f.SearchTerm != "" {
		q = q.Where("name LIKE ?", "%"+f.SearchTerm+"%")
	}

	if f.AssetKind != 0 {
		q = q.Where("asset_kind = ?", f.AssetKind)
	}

	if f.Tag != "" {
		q = q.Where("asset_id IN (?)", s.db.Table("asset_tags").Select("asset_id").Where("tag_name = ?", f.Tag))
	}

	if f.Gamertag != "" {
		if f.OwnerOnly {
			q = q.Where("author_id IN (?)", s.db.Model(&Contributor{}).Select("xuid").Where("gamertag = ?", f.Gamertag))
		} else {
			q = q.Where("asset_id IN (?)", s.db.Table("asset_contributors").
				Select("asset_contributors.asset_id").
				Joins("JOIN contributors ON contributors.xuid = asset_contributors.contributor_xuid").
				Where("contributors.gamertag = ?", f.Gamertag))
		}
	}

	if f.PlaylistID != "" {
		q = q.Where("asset_id IN (?)", s.db.Table("playlist_assets").Select("asset_id").Where("playlist_id = ?", f.PlaylistID))
	}

	return q
}

func normalizeAssetFilter(f AssetFilter) AssetFilter {
	col, ok := assetSortColumns[f.Sort]
	if !ok {
		col = "published_at"
	}
	f.Sort = col

	if f.Order != "asc" {
		f.Order = "desc"
	}

	f.Count, f.Offset = clampPage(f.Count, f.Offset)

	return f
}

func clampPage(count, offset int) (int, int) {
	if count <= 0 {
		count = DefaultPageSize
	}
	if count > MaxPageSize {
		count = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return count, offset
}
