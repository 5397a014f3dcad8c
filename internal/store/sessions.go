package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

var gormNotFound = gorm.ErrRecordNotFound

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	return translate(s.db.WithContext(ctx).Create(sess).Error)
}

// SessionWithUser loads a session and its user in one go. Expiry is the caller's concern.
func (s *Store) SessionWithUser(ctx context.Context, id string) (*Session, *User, error) {
	var sess Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&sess).Error; err != nil {
		return nil, nil, translate(err)
	}

	var u User
	if err := s.db.WithContext(ctx).Where("id = ?", sess.UserID).Take(&u).Error; err != nil {
		return nil, nil, translate(err)
	}

	return &sess, &u, nil
}

func (s *Store) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Update("expires_at", expiresAt)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return translate(gormNotFound)
	}
	return nil
}

// DeleteSession is a no-op for unknown ids.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return translate(s.db.WithContext(ctx).Where("id = ?", id).Delete(&Session{}).Error)
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&Session{})
	return res.RowsAffected, translate(res.Error)
}
