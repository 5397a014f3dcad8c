package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/unggoy/unggoy-api/internal/tokenchain"
)

// GetPlatformSession returns nil, nil when the user has no stored platform session.
func (s *Store) GetPlatformSession(ctx context.Context, userID string) (*tokenchain.PlatformSession, error) {
	var c PlatformCredential
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &tokenchain.PlatformSession{
		PlatformUserID: c.PlatformUserID,
		DisplayName:    c.DisplayName,
		ServiceToken: tokenchain.ServiceToken{
			Value:     c.ServiceToken,
			ExpiresAt: c.ServiceTokenExpiresAt,
		},
		ClearanceToken: c.ClearanceToken,
		RefreshToken:   c.RefreshToken,
	}, nil
}

// SavePlatformSession replaces the whole row in one statement.
func (s *Store) SavePlatformSession(ctx context.Context, userID string, ps *tokenchain.PlatformSession) error {
	c := PlatformCredential{
		UserID:                userID,
		PlatformUserID:        ps.PlatformUserID,
		DisplayName:           ps.DisplayName,
		ServiceToken:          ps.ServiceToken.Value,
		ServiceTokenExpiresAt: ps.ServiceToken.ExpiresAt,
		ClearanceToken:        ps.ClearanceToken,
		RefreshToken:          ps.RefreshToken,
	}

	return translate(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&c).Error)
}
