package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"talkrelay/pkg/domain"
)

const migrateLockID int64 = 48214821

// GormStore implements IdentityStore and OutboxStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so multiple replicas can boot concurrently.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &OutboxModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetUserByAuthID looks up a user by external auth id.
func (s *GormStore) GetUserByAuthID(ctx context.Context, externalAuthID string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("external_auth_id = ?", externalAuthID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateUser inserts the user, deferring to the uniqueness constraint on
// external_auth_id: when a concurrent delivery already created the row, the
// insert is a no-op and the winning row is re-read and returned.
func (s *GormStore) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	model := userToModel(user)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_auth_id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.User{}, res.Error
	}
	if res.RowsAffected == 0 {
		existing, found, err := s.GetUserByAuthID(ctx, user.ExternalAuthID)
		if err != nil {
			return domain.User{}, err
		}
		if !found {
			return domain.User{}, fmt.Errorf("user %q vanished after conflicting insert", user.ExternalAuthID)
		}
		return existing, nil
	}
	return userFromModel(model), nil
}

// AppendOutbox records a downstream notification. Duplicate event ids from
// redelivered webhooks are ignored.
func (s *GormStore) AppendOutbox(ctx context.Context, rec OutboxRecord) error {
	model := outboxToModel(rec)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&model).Error
}

// ListUnpublished returns pending outbox rows in insertion order.
func (s *GormStore) ListUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []OutboxModel
	if err := s.db.WithContext(ctx).
		Where("published = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	recs := make([]OutboxRecord, 0, len(models))
	for _, m := range models {
		recs = append(recs, outboxFromModel(m))
	}
	return recs, nil
}

// MarkPublished flags outbox rows as delivered.
func (s *GormStore) MarkPublished(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&OutboxModel{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"published":    true,
			"published_at": now,
		}).Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:             u.ID,
		ExternalAuthID: u.ExternalAuthID,
		DisplayName:    u.DisplayName,
		PictureURL:     u.PictureURL,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:             m.ID,
		ExternalAuthID: m.ExternalAuthID,
		DisplayName:    m.DisplayName,
		PictureURL:     m.PictureURL,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func outboxToModel(rec OutboxRecord) OutboxModel {
	return OutboxModel{
		ID:          rec.ID,
		EventID:     rec.EventID,
		TalkRoomID:  rec.TalkRoomID,
		Kind:        rec.Kind,
		Payload:     rec.Payload,
		CreatedAt:   rec.CreatedAt,
		Published:   rec.Published,
		PublishedAt: rec.PublishedAt,
	}
}

func outboxFromModel(m OutboxModel) OutboxRecord {
	return OutboxRecord{
		ID:          m.ID,
		EventID:     m.EventID,
		TalkRoomID:  m.TalkRoomID,
		Kind:        m.Kind,
		Payload:     m.Payload,
		CreatedAt:   m.CreatedAt,
		Published:   m.Published,
		PublishedAt: m.PublishedAt,
	}
}
