package store

import (
	"time"
)

// User is the local account. Subject is the federated subject id and never changes once
// written.
type User struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	Subject        string    `gorm:"uniqueIndex;not null" json:"-"`
	PlatformUserID string    `gorm:"index" json:"xuid"`
	Username       string    `gorm:"index" json:"username"`
	ServiceTag     string    `json:"serviceTag"`
	EmblemPath     string    `json:"emblemPath"`
	CreatedAt      time.Time `json:"-"`
	UpdatedAt      time.Time `json:"-"`

	Favorites []Playlist `gorm:"many2many:user_favorites;joinForeignKey:UserID;joinReferences:PlaylistID" json:"favorites,omitempty"`
}

type Session struct {
	ID        string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"index;not null;size:36"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}

// PlatformCredential is the persisted form of a platform session, one row per user.
type PlatformCredential struct {
	UserID                string `gorm:"primaryKey;size:36"`
	PlatformUserID        string
	DisplayName           string
	ServiceToken          string
	ServiceTokenExpiresAt time.Time
	ClearanceToken        string
	RefreshToken          string
	UpdatedAt             time.Time
}

type Tag struct {
	Name string `gorm:"primaryKey" json:"name"`
}

type Contributor struct {
	Xuid     string `gorm:"primaryKey" json:"xuid"`
	Gamertag string `gorm:"index" json:"gamertag"`
	Emblem   string `json:"emblem,omitempty"`
}

// Asset is a piece of user generated content: a map, mode or prefab.
type Asset struct {
	AssetID         string       `gorm:"primaryKey;size:36" json:"assetId"`
	Name            string       `gorm:"index" json:"name"`
	Description     string       `json:"description"`
	AssetKind       int          `gorm:"index" json:"assetKind"`
	ThumbnailURL    string       `json:"thumbnailUrl"`
	AuthorID        string       `gorm:"index" json:"authorId"`
	Author          *Contributor `gorm:"foreignKey:AuthorID;references:Xuid" json:"author,omitempty"`
	Likes           int          `json:"likes"`
	Bookmarks       int          `json:"bookmarks"`
	PlaysRecent     int          `json:"playsRecent"`
	PlaysAllTime    int          `json:"playsAllTime"`
	AverageRating   float64      `json:"averageRating"`
	NumberOfRatings int          `json:"numberOfRatings"`
	PublishedAt     time.Time    `gorm:"index" json:"publishedAt"`
	CreatedAt       time.Time    `json:"-"`
	UpdatedAt       time.Time    `json:"-"`

	Tags         []Tag         `gorm:"many2many:asset_tags;joinForeignKey:AssetID;joinReferences:TagName" json:"-"`
	Contributors []Contributor `gorm:"many2many:asset_contributors;joinForeignKey:AssetID;joinReferences:ContributorXuid" json:"contributors"`
}

// TagNames flattens Tags for responses.
func (a *Asset) TagNames() []string {
	names := make([]string, 0, len(a.Tags))
	for _, t := range a.Tags {
		names = append(names, t.Name)
	}
	return names
}

type Playlist struct {
	AssetID      string    `gorm:"primaryKey;size:36" json:"assetId"`
	UserID       string    `gorm:"not null;size:36;uniqueIndex:idx_playlist_owner_name" json:"userId"`
	Name         string    `gorm:"not null;uniqueIndex:idx_playlist_owner_name" json:"name"`
	Description  string    `json:"description"`
	Private      bool      `gorm:"index" json:"private"`
	ThumbnailURL string    `json:"thumbnailUrl"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	User        *User   `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Assets      []Asset `gorm:"many2many:playlist_assets;joinForeignKey:PlaylistID;joinReferences:AssetID" json:"-"`
	FavoritedBy []User  `gorm:"many2many:user_favorites;joinForeignKey:PlaylistID;joinReferences:UserID" json:"-"`
}

func models() []any {
	return []any{
		&User{},
		&Session{},
		&PlatformCredential{},
		&Tag{},
		&Contributor{},
		&Asset{},
		&Playlist{},
	}
}
