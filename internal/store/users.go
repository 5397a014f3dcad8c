package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserBySubject returns autherr.ErrNotFound when no user has the subject.
func (s *Store) UserBySubject(ctx context.Context, subject string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("subject = ?", subject).Take(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// CreateUser fills in the id when empty. A second user for the same subject fails with
// autherr.ErrDuplicate.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return translate(s.db.WithContext(ctx).Create(u).Error)
}

// UpdateUserProfile writes only the given columns. The subject column is never touched.
func (s *Store) UpdateUserProfile(ctx context.Context, id string, fields map[string]any) error {
	delete(fields, "subject")
	delete(fields, "id")
	if len(fields) == 0 {
		return nil
	}

	fields["updated_at"] = time.Now()

	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return translate(gormNotFound)
	}
	return nil
}
