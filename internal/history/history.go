// Package history keeps a local log of past transfers in a small
// sqlite database, so users can see what they sent and received.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"

	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Transfer is one row of the history log.
type Transfer struct {
	ID         uint `gorm:"primaryKey"`
	Direction  string
	Peer       string
	Files      int
	Bytes      int64
	Status     string
	StartedAt  int64
	FinishedAt int64
}

type Store struct {
	db *gorm.DB
}

// DefaultPath is where the history database lives, honoring
// GDAY_DATA_DIR for overrides.
func DefaultPath() (string, error) {
	dir := os.Getenv("GDAY_DATA_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".local", "share", "gday")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.sqlite3"), nil
}

// Open opens (and migrates) the history database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.AutoMigrate(&Transfer{}); err != nil {
		return nil, fmt.Errorf("migrating history database: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends one transfer row.
func (s *Store) Record(t *Transfer) error {
	if t.FinishedAt == 0 {
		t.FinishedAt = time.Now().Unix()
	}
	return s.db.Create(t).Error
}

// Recent returns the latest transfers, newest first.
func (s *Store) Recent(limit int) ([]Transfer, error) {
	var rows []Transfer
	err := s.db.Order("id desc").Limit(limit).Find(&rows).Error
	return rows, err
}
