// Package profile keeps the local user record in line with what the platform reports about the
// player at login.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/platform"
	"github.com/unggoy/unggoy-api/internal/store"
	"github.com/unggoy/unggoy-api/internal/waypoint"
)

type Store interface {
	UserBySubject(ctx context.Context, subject string) (*store.User, error)
	CreateUser(ctx context.Context, u *store.User) error
	UpdateUserProfile(ctx context.Context, id string, fields map[string]any) error
}

type AppearanceFetcher interface {
	Appearance(ctx context.Context, creds platform.Credentials, platformUserID string) (*waypoint.Appearance, error)
}

// Identity is what the platform told us about the player. Empty fields are unknown, not
// cleared.
type Identity struct {
	PlatformUserID string
	DisplayName    string
	ServiceTag     string
	EmblemPath     string
}

type Reconciler struct {
	store      Store
	appearance AppearanceFetcher
	logger     *slog.Logger
}

type ReconcilerArgs struct {
	Store Store
	// Appearance is optional. Without it Enrich does nothing.
	Appearance AppearanceFetcher
	Logger     *slog.Logger
}

func NewReconciler(args ReconcilerArgs) (*Reconciler, error) {
	if args.Store == nil {
		return nil, fmt.Errorf("no user store provided")
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Reconciler{
		store:      args.Store,
		appearance: args.Appearance,
		logger:     args.Logger.With("component", "profile"),
	}, nil
}

// Reconcile finds or creates the user for subject and writes any reported field that differs
// from what is stored. The subject itself is never changed.
func (r *Reconciler) Reconcile(ctx context.Context, subject string, id Identity) (*store.User, error) {
	if subject == "" {
		return nil, autherr.New(autherr.KindValidation, "", errors.New("empty subject"))
	}

	u, err := r.store.UserBySubject(ctx, subject)
	switch {
	case err == nil:
	case errors.Is(err, autherr.ErrNotFound):
		u, err = r.create(ctx, subject, id)
		if err != nil {
			return nil, err
		}
		if u != nil {
			return u, nil
		}
		// lost a create race, fall through to update the winner's row
		u, err = r.store.UserBySubject(ctx, subject)
		if err != nil {
			return nil, fmt.Errorf("could not re-read user: %w", err)
		}
	default:
		return nil, fmt.Errorf("could not look up user: %w", err)
	}

	fields := diff(u, id)
	if len(fields) == 0 {
		return u, nil
	}

	if err := r.store.UpdateUserProfile(ctx, u.ID, fields); err != nil {
		return nil, fmt.Errorf("could not update user: %w", err)
	}

	apply(u, id)
	r.logger.Debug("user profile updated", "user", u.ID, "fields", len(fields))

	return u, nil
}

// create returns nil, nil when another request created the user first.
func (r *Reconciler) create(ctx context.Context, subject string, id Identity) (*store.User, error) {
	u := &store.User{Subject: subject}
	apply(u, id)

	if err := r.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, autherr.ErrDuplicate) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not create user: %w", err)
	}

	r.logger.Info("user created", "user", u.ID)

	return u, nil
}

// Enrich fills in the appearance fields of id. Failures are logged and leave id as it was.
func (r *Reconciler) Enrich(ctx context.Context, creds platform.Credentials, id *Identity) {
	if r.appearance == nil || id.PlatformUserID == "" {
		return
	}

	a, err := r.appearance.Appearance(ctx, creds, id.PlatformUserID)
	if err != nil {
		r.logger.Warn("could not fetch appearance", "xuid", id.PlatformUserID, "error", err)
		return
	}

	if a.ServiceTag != "" {
		id.ServiceTag = a.ServiceTag
	}
	if a.EmblemPath != "" {
		id.EmblemPath = a.EmblemPath
	}
}

func diff(u *store.User, id Identity) map[string]any {
	fields := map[string]any{}

	if id.PlatformUserID != "" && id.PlatformUserID != u.PlatformUserID {
		fields["platform_user_id"] = id.PlatformUserID
	}
	if id.DisplayName != "" && id.DisplayName != u.Username {
		fields["username"] = id.DisplayName
	}
	if id.ServiceTag != "" && id.ServiceTag != u.ServiceTag {
		fields["service_tag"] = id.ServiceTag
	}
	if id.EmblemPath != "" && id.EmblemPath != u.EmblemPath {
		fields["emblem_path"] = id.EmblemPath
	}

	return fields
}

func apply(u *store.User, id Identity) {
	if id.PlatformUserID != "" {
		u.PlatformUserID = id.PlatformUserID
	}
	if id.DisplayName != "" {
		u.Username = id.DisplayName
	}
	if id.ServiceTag != "" {
		u.ServiceTag = id.ServiceTag
	}
	if id.EmblemPath != "" {
		u.EmblemPath = id.EmblemPath
	}
}
