// Package store implements the persistent seen-URI table shared by the
// timeline filter and the WebSocket relay filter.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Outcome is the result of a test-and-set against the store.
type Outcome int

const (
	// Fresh means the URI was absent and has now been recorded.
	Fresh Outcome = iota
	// Duplicate means the URI was already present.
	Duplicate
)

// seenURI is the gorm model backing the seen_uris table.
type seenURI struct {
	URI       string `gorm:"column:uri;primaryKey"`
	FirstSeen int64  `gorm:"column:first_seen;index"`
}

func (seenURI) TableName() string { return "seen_uris" }

// Store is a single-writer persistent map from content URI to first-seen
// timestamp. The pool holds one connection (see Open), so within this
// process reads wait for an in-flight write rather than running beside it.
type Store struct {
	mu  sync.Mutex // serializes writes; see ExistsOrRecord
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (creating if necessary) the SQLite database at path and applies
// the seen_uris schema. WAL mode is enabled for durability.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open seen-uri store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open seen-uri store: %w", err)
	}
	// A single writer connection matches the store's single-writer
	// discipline; reads are cheap enough not to need a separate pool.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&seenURI{}); err != nil {
		return nil, fmt.Errorf("migrate seen-uri schema: %w", err)
	}

	if log != nil {
		log.Info("seen-uri store opened", zap.String("path", path))
	}

	return &Store{db: db, log: log}, nil
}

// ExistsOrRecord is the store's only write-path primitive: it atomically
// tests whether uri is present and, if not, inserts it with firstSeen. The
// critical section holds no suspension points besides the single SQL
// statement, per the concurrency discipline in the specification.
func (s *Store) ExistsOrRecord(uri string, now time.Time) (Outcome, error) {
	if uri == "" {
		return Duplicate, fmt.Errorf("seen-uri store: empty uri")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.Exec(
		"INSERT INTO seen_uris (uri, first_seen) VALUES (?, ?) ON CONFLICT(uri) DO NOTHING",
		uri, now.Unix(),
	)
	if result.Error != nil {
		return Duplicate, fmt.Errorf("seen-uri store: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return Duplicate, nil
	}
	return Fresh, nil
}

// Exists reports whether uri has been recorded, without inserting it. Used
// by the deep health check.
func (s *Store) Exists(uri string) (bool, error) {
	var count int64
	if err := s.db.Model(&seenURI{}).Where("uri = ?", uri).Count(&count).Error; err != nil {
		return false, fmt.Errorf("seen-uri store: %w", err)
	}
	return count > 0, nil
}

// Close flushes and closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
