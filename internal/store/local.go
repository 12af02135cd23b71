// Package store implements the backend stores that receive detection records.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"porchwatch/internal/database"
	plog "porchwatch/internal/log"
	"porchwatch/internal/pipeline"
)

// LocalStore keeps images on disk and records in SQLite
type LocalStore struct {
	db       *database.Database
	imageDir string
	logger   *slog.Logger
}

// NewLocalStore creates a store writing images under imageDir
func NewLocalStore(db *database.Database, imageDir string) (*LocalStore, error) {
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image dir: %w", err)
	}
	return &LocalStore{
		db:       db,
		imageDir: imageDir,
		logger:   plog.Component("local_store"),
	}, nil
}

// ImagePath resolves a storage key to a file under the image dir.
// Keys escaping the dir are rejected.
func (s *LocalStore) ImagePath(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") || clean == "/" {
		return "", fmt.Errorf("invalid image key %q", key)
	}
	return filepath.Join(s.imageDir, clean), nil
}

// Save copies the image under its key then inserts the row. The row is
// inserted without an image URL when the copy fails.
func (s *LocalStore) Save(ctx context.Context, rec *pipeline.Record) (*pipeline.SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &pipeline.SaveResult{}
	if rec.ImageKey != "" && len(rec.ImageData) > 0 {
		if err := s.writeImage(rec.ImageKey, rec.ImageData); err != nil {
			s.logger.Warn("image copy failed, saving record without image",
				"key", rec.ImageKey, "error", err)
		} else {
			result.ImageStored = true
			result.ImageURL = "/api/images/" + rec.ImageKey
		}
	}

	row := toDetectionRecord(rec)
	row.ImageURL = result.ImageURL
	if result.ImageStored {
		row.ImageKey = rec.ImageKey
	}
	if err := s.db.SaveDetection(row); err != nil {
		return result, err
	}
	result.ID = row.ID
	return result, nil
}

func (s *LocalStore) writeImage(key string, data []byte) error {
	path, err := s.ImagePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// Same key means same capture, overwriting is the upsert
	return os.WriteFile(path, data, 0644)
}

func toDetectionRecord(rec *pipeline.Record) *database.DetectionRecord {
	row := &database.DetectionRecord{
		DeviceID:   rec.DeviceID,
		Timestamp:  rec.Timestamp,
		Confidence: float64(rec.Confidence),
		BoundingBox: database.BoundingBox{
			X1: rec.Box.X1, Y1: rec.Box.Y1, X2: rec.Box.X2, Y2: rec.Box.Y2,
		},
		CostumeLabel:       rec.CostumeLabel,
		CostumeDescription: rec.CostumeDescription,
	}
	if rec.CostumeConfidence != nil {
		c := float64(*rec.CostumeConfidence)
		row.CostumeConfidence = &c
	}
	return row
}

// AuditLog writes capture reports to the captures table
type AuditLog struct {
	db *database.Database
}

// NewAuditLog creates the capture audit log
func NewAuditLog(db *database.Database) *AuditLog {
	return &AuditLog{db: db}
}

// RecordCapture upserts the capture's audit row
func (a *AuditLog) RecordCapture(report *pipeline.CaptureReport) error {
	return a.db.SaveCapture(&database.CaptureRecord{
		ID:        report.ID,
		DeviceID:  report.DeviceID,
		Timestamp: report.Timestamp,
		FrameSeq:  int64(report.FrameSeq),
		ImagePath: report.ImagePath,
		ImageKey:  report.ImageKey,
		Status:    string(report.Status),
		Subjects:  len(report.Outcomes),
		Stored:    report.StoredCount(),
		Cleaned:   report.Cleaned,
		Error:     report.Error,
	})
}

var (
	_ pipeline.Store      = (*LocalStore)(nil)
	_ pipeline.CaptureLog = (*AuditLog)(nil)
)
