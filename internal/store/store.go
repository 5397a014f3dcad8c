// Package store is the relational persistence layer. It runs on sqlite for development and
// tests and on postgres in production; the DSN decides which.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/unggoy/unggoy-api/internal/autherr"
)

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

type OpenArgs struct {
	Dsn string
	// MaxConns only applies to postgres. sqlite always gets a single connection.
	MaxConns int
	Logger   *slog.Logger
}

func Open(ctx context.Context, args OpenArgs) (*Store, error) {
	if args.Dsn == "" {
		return nil, fmt.Errorf("no database dsn provided")
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	logger := args.Logger.With("component", "store")

	isPostgres := IsPostgresDsn(args.Dsn)

	var dialector gorm.Dialector
	if isPostgres {
		dialector = postgres.Open(args.Dsn)
	} else {
		dialector = sqlite.Open(args.Dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormlogger.New(slog.NewLogLogger(logger.Handler(), slog.LevelWarn), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("could not get sql db: %w", err)
	}

	if isPostgres {
		if args.MaxConns > 0 {
			sqlDB.SetMaxOpenConns(args.MaxConns)
			sqlDB.SetMaxIdleConns(args.MaxConns / 2)
		}
		sqlDB.SetConnMaxIdleTime(15 * time.Minute)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		sqlDB.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("could not ping database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(models()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	logger.Info("database ready", "driver", dialector.Name())

	return &Store{
		db:     db,
		logger: logger,
	}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping is used by the health check.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func IsPostgresDsn(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// translate maps gorm's sentinel errors onto the shared error kinds.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return autherr.New(autherr.KindNotFound, "", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return autherr.New(autherr.KindDuplicate, "", err)
	default:
		return err
	}
}

// Page is one page of a browse query.
type Page[T any] struct {
	TotalCount int64 `json:"totalCount"`
	PageSize   int   `json:"pageSize"`
	Assets     []T   `json:"assets"`
}
