package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// StoreConfig contains result store connection options.
type StoreConfig struct {
	Driver string
	Path   string // SQLite database path when Driver == sqlite
}

// TestResultRecord is the durable row for a completed test.
type TestResultRecord struct {
	ID             uint   `gorm:"primaryKey"`
	SessionID      string `gorm:"size:64;uniqueIndex:idx_test_session_identity"`
	IdentityID     string `gorm:"size:64;uniqueIndex:idx_test_session_identity"`
	Username       string `gorm:"size:64"`
	Mode           string `gorm:"size:16"`
	Limit          int    `gorm:"column:mode_limit"`
	WPM            int
	RawWPM         int
	Accuracy       int
	Consistency    int
	Errors         int
	CorrectChars   int
	IncorrectChars int
	Position       int
	ElapsedMs      int64
	CompletedAt    time.Time
	CreatedAt      time.Time
}

// RaceResultRecord is the durable per-player row for a completed race.
type RaceResultRecord struct {
	ID           uint   `gorm:"primaryKey"`
	SessionID    string `gorm:"size:64;uniqueIndex:idx_race_session_identity"`
	IdentityID   string `gorm:"size:64;uniqueIndex:idx_race_session_identity"`
	Username     string `gorm:"size:64"`
	Mode         string `gorm:"size:16"`
	Rank         int
	WPM          int
	Accuracy     int
	Errors       int
	Finished     bool
	FinishTimeMs int64
	CompletedAt  time.Time
	CreatedAt    time.Time
}

// GormSink persists results through gorm. Duplicate (session id, identity id)
// pairs are ignored on conflict, which makes Record idempotent.
type GormSink struct {
	db *gorm.DB
}

// OpenStore initialises the result store and migrates its schema.
func OpenStore(cfg StoreConfig) (*GormSink, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "sqlite" {
		return nil, fmt.Errorf("results: unsupported driver %q", cfg.Driver)
	}

	dsn := "file::memory:?cache=shared"
	path := strings.TrimSpace(cfg.Path)
	if path != "" && !strings.EqualFold(path, ":memory:") {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL", filepath.ToSlash(path))
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("results: open store: %w", err)
	}

	if err := db.AutoMigrate(&TestResultRecord{}, &RaceResultRecord{}); err != nil {
		return nil, fmt.Errorf("results: migrate: %w", err)
	}

	return &GormSink{db: db}, nil
}

// NewGormSink wraps an existing database handle, primarily for tests.
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

// Record persists the result, ignoring duplicates of the same session key.
func (s *GormSink) Record(ctx context.Context, rec Record) error {
	switch r := rec.(type) {
	case TestResult:
		row := TestResultRecord{
			SessionID:      r.TestID,
			IdentityID:     r.IdentityID,
			Username:       r.Username,
			Mode:           r.Mode,
			Limit:          r.Limit,
			WPM:            r.WPM,
			RawWPM:         r.RawWPM,
			Accuracy:       r.Accuracy,
			Consistency:    r.Consistency,
			Errors:         r.Errors,
			CorrectChars:   r.CorrectChars,
			IncorrectChars: r.IncorrectChars,
			Position:       r.Position,
			ElapsedMs:      r.ElapsedMs,
			CompletedAt:    r.CompletedAt,
		}
		return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	case RaceResult:
		row := RaceResultRecord{
			SessionID:    r.RaceID,
			IdentityID:   r.IdentityID,
			Username:     r.Username,
			Mode:         r.Mode,
			Rank:         r.Rank,
			WPM:          r.WPM,
			Accuracy:     r.Accuracy,
			Errors:       r.Errors,
			Finished:     r.Finished,
			FinishTimeMs: r.FinishTimeMs,
			CompletedAt:  r.CompletedAt,
		}
		return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	default:
		return fmt.Errorf("results: unsupported record type %T", rec)
	}
}

// Close releases the underlying database handle.
func (s *GormSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
