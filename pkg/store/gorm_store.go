package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"snapcaption/pkg/domain"
)

const migrateLockID int64 = 82718271

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory
// lock so concurrent replicas do not race on schema changes.
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
		if err := tx.AutoMigrate(&PostModel{}); err != nil {
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

// SavePost inserts or updates a caption post.
func (s *GormStore) SavePost(p domain.Post) error {
	model, err := postToModel(p)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "mood", "description", "captions", "storage_key", "image_url"}),
	}).Create(&model).Error
}

// GetPost returns a post by ID.
func (s *GormStore) GetPost(id string) (domain.Post, bool, error) {
	var model PostModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Post{}, false, nil
		}
		return domain.Post{}, false, err
	}
	post, err := postFromModel(model)
	if err != nil {
		return domain.Post{}, false, err
	}
	return post, true, nil
}

// ListPostsByOwner returns the owner's posts, newest first.
func (s *GormStore) ListPostsByOwner(ownerID string, limit int) ([]domain.Post, error) {
	var models []PostModel
	query := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	posts := make([]domain.Post, 0, len(models))
	for _, model := range models {
		post, err := postFromModel(model)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// DeletePost removes a post record.
func (s *GormStore) DeletePost(id string) error {
	return s.db.Delete(&PostModel{}, "id = ?", id).Error
}

func postToModel(p domain.Post) (PostModel, error) {
	captions, err := json.Marshal(p.Captions)
	if err != nil {
		return PostModel{}, fmt.Errorf("marshal captions: %w", err)
	}
	return PostModel{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Mood:        p.Mood,
		Description: p.Description,
		Captions:    captions,
		StorageKey:  p.StorageKey,
		ImageURL:    p.ImageURL,
		CreatedAt:   p.CreatedAt,
	}, nil
}

func postFromModel(m PostModel) (domain.Post, error) {
	var captions []string
	if len(m.Captions) > 0 {
		if err := json.Unmarshal(m.Captions, &captions); err != nil {
			return domain.Post{}, fmt.Errorf("unmarshal captions: %w", err)
		}
	}
	return domain.Post{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Mood:        m.Mood,
		Description: m.Description,
		Captions:    captions,
		StorageKey:  m.StorageKey,
		ImageURL:    m.ImageURL,
		CreatedAt:   m.CreatedAt,
	}, nil
}
