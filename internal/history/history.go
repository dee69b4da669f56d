// Package history keeps a log of prediction outcomes in SQLite.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/Brownie44l1/cattle-breed-api/internal/errors"
	"github.com/Brownie44l1/cattle-breed-api/internal/events"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
)

// DefaultLimit and MaxLimit bound Recent.
const (
	DefaultLimit = 20
	MaxLimit     = 500
)

// recordTimeout caps a single background insert.
const recordTimeout = 30 * time.Second

// PredictionRecord is one stored prediction run.
type PredictionRecord struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	RequestID   string         `gorm:"size:36;index" json:"request_id"`
	Filename    string         `gorm:"size:255" json:"filename"`
	Success     bool           `json:"success"`
	State       string         `gorm:"size:16" json:"state"`
	ErrorKind   string         `gorm:"size:32" json:"error_kind,omitempty"`
	TopBreed    string         `gorm:"size:64;index" json:"top_breed,omitempty"`
	Confidence  float32        `json:"confidence"`
	Alternates  datatypes.JSON `json:"alternates,omitempty"`
	ModelLoaded bool           `json:"model_loaded"`
	DurationMS  int64          `json:"duration_ms"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}

func (PredictionRecord) TableName() string { return "prediction_records" }

// Store persists prediction records.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the SQLite database at dsn and migrates the schema.
// Parent directories of file DSNs are created.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	const op = "history.open"

	if dir := dirOf(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.Wrap(apperrors.KindStorage, op, "failed to create data directory", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, "failed to open database", err)
	}
	if err := db.AutoMigrate(&PredictionRecord{}); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, "failed to migrate database", err)
	}
	return &Store{db: db, logger: logging.OrDefault(log)}, nil
}

func dirOf(dsn string) string {
	if dsn == "" || strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return ""
	}
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

func (s *Store) Record(ctx context.Context, rec *PredictionRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return apperrors.Wrap(apperrors.KindStorage, "history.record", "failed to insert record", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var records []PredictionRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, "history.recent", "failed to query records", err)
	}
	return records, nil
}

// Stats counts stored runs.
type Stats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx).Model(&PredictionRecord{})
	if err := db.Count(&st.Total).Error; err != nil {
		return Stats{}, apperrors.Wrap(apperrors.KindStorage, "history.stats", "failed to count records", err)
	}
	if err := s.db.WithContext(ctx).Model(&PredictionRecord{}).Where("success = ?", true).Count(&st.Successful).Error; err != nil {
		return Stats{}, apperrors.Wrap(apperrors.KindStorage, "history.stats", "failed to count records", err)
	}
	st.Failed = st.Total - st.Successful
	return st, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Attach subscribes the store to prediction outcomes on bus.
func (s *Store) Attach(bus *events.Bus) error {
	return bus.OnOutcome(func(o events.Outcome) {
		rec, err := FromOutcome(o)
		if err != nil {
			s.logger.Error("failed to encode prediction record", "request_id", o.RequestID, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.Record(ctx, rec); err != nil {
			s.logger.Error("failed to store prediction record", "request_id", o.RequestID, "error", err)
		}
	})
}

// FromOutcome converts a published outcome to a record.
func FromOutcome(o events.Outcome) (*PredictionRecord, error) {
	rec := &PredictionRecord{
		RequestID:   o.RequestID,
		Filename:    o.Filename,
		Success:     o.Success(),
		State:       o.State,
		ErrorKind:   o.ErrorKind,
		TopBreed:    o.TopBreed,
		Confidence:  o.Confidence,
		ModelLoaded: o.ModelLoaded,
		DurationMS:  o.Duration.Milliseconds(),
		CreatedAt:   o.At,
	}
	if len(o.Alternates) > 0 {
		raw, err := sonic.Marshal(o.Alternates)
		if err != nil {
			return nil, fmt.Errorf("marshal alternates: %w", err)
		}
		rec.Alternates = datatypes.JSON(raw)
	}
	return rec, nil
}
