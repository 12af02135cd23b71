// Package database is the SQLite persistence layer for detections, the
// capture audit log and runtime settings.
package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	plog "porchwatch/internal/log"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// BoundingBox is a stored subject box in pixel coordinates
type BoundingBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// DetectionRecord is one stored subject
type DetectionRecord struct {
	ID                 string      `json:"id"`
	DeviceID           string      `json:"device_id"`
	Timestamp          time.Time   `json:"timestamp"`
	Confidence         float64     `json:"confidence"`
	BoundingBox        BoundingBox `json:"bounding_box"`
	ImageKey           string      `json:"image_key,omitempty"`
	ImageURL           string      `json:"image_url,omitempty"`
	CostumeLabel       *string     `json:"costume_classification,omitempty"`
	CostumeConfidence  *float64    `json:"costume_confidence,omitempty"`
	CostumeDescription *string     `json:"costume_description,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// CaptureRecord is one capture event in the audit log
type CaptureRecord struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	FrameSeq  int64     `json:"frame_seq"`
	ImagePath string    `json:"image_path,omitempty"`
	ImageKey  string    `json:"image_key,omitempty"`
	Status    string    `json:"status"`
	Subjects  int       `json:"subjects"`
	Stored    int       `json:"stored"`
	Cleaned   bool      `json:"cleaned"`
	Error     string    `json:"error,omitempty"`
}

// DetectionFilter narrows ListDetections
type DetectionFilter struct {
	DeviceID string
	Since    *time.Time
	Limit    int
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection
func (d *Database) Ping() error {
	return d.db.Ping()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			confidence REAL NOT NULL,
			bounding_box TEXT NOT NULL,
			image_key TEXT,
			image_url TEXT,
			costume_classification TEXT,
			costume_confidence REAL,
			costume_description TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS captures (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			frame_seq INTEGER,
			image_path TEXT,
			image_key TEXT,
			status TEXT NOT NULL,
			subjects INTEGER DEFAULT 0,
			stored INTEGER DEFAULT 0,
			cleaned INTEGER DEFAULT 0,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_device_time ON detections(device_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_time ON detections(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_time ON captures(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	plog.Component("database").Info("database migrations completed")
	return nil
}

// SaveDetection inserts a detection, assigning an ID when it has none
func (d *Database) SaveDetection(rec *DetectionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	boxJSON, err := json.Marshal(rec.BoundingBox)
	if err != nil {
		return fmt.Errorf("failed to marshal bounding box: %w", err)
	}

	query := `INSERT INTO detections
		(id, device_id, timestamp, confidence, bounding_box, image_key, image_url,
		 costume_classification, costume_confidence, costume_description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.Exec(query, rec.ID, rec.DeviceID, rec.Timestamp.UTC(), rec.Confidence,
		string(boxJSON), nullString(rec.ImageKey), nullString(rec.ImageURL),
		rec.CostumeLabel, rec.CostumeConfidence, rec.CostumeDescription, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}
	return nil
}

const detectionColumns = `id, device_id, timestamp, confidence, bounding_box, image_key, image_url,
	costume_classification, costume_confidence, costume_description, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetection(row rowScanner) (*DetectionRecord, error) {
	var rec DetectionRecord
	var boxJSON string
	var imageKey, imageURL, label, desc sql.NullString
	var costumeConf sql.NullFloat64

	if err := row.Scan(&rec.ID, &rec.DeviceID, &rec.Timestamp, &rec.Confidence, &boxJSON,
		&imageKey, &imageURL, &label, &costumeConf, &desc, &rec.CreatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(boxJSON), &rec.BoundingBox); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bounding box: %w", err)
	}
	rec.ImageKey = imageKey.String
	rec.ImageURL = imageURL.String
	if label.Valid {
		rec.CostumeLabel = &label.String
	}
	if desc.Valid {
		rec.CostumeDescription = &desc.String
	}
	if costumeConf.Valid {
		rec.CostumeConfidence = &costumeConf.Float64
	}
	return &rec, nil
}

// GetDetection retrieves a detection by ID
func (d *Database) GetDetection(id string) (*DetectionRecord, error) {
	row := d.db.QueryRow(`SELECT `+detectionColumns+` FROM detections WHERE id = ?`, id)
	rec, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	return rec, nil
}

// ListDetections returns detections newest first
func (d *Database) ListDetections(filter DetectionFilter) ([]*DetectionRecord, error) {
	query := `SELECT ` + detectionColumns + ` FROM detections WHERE 1=1`
	args := []any{}

	if filter.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, filter.DeviceID)
	}

	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var records []*DetectionRecord
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountDetections returns the number of stored detections
func (d *Database) CountDetections() (int64, error) {
	var n int64
	if err := d.db.QueryRow("SELECT COUNT(*) FROM detections").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count detections: %w", err)
	}
	return n, nil
}

// DeleteOldDetections deletes detections older than the specified time
func (d *Database) DeleteOldDetections(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM detections WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old detections: %w", err)
	}
	return result.RowsAffected()
}

// SaveCapture inserts or updates a capture audit row
func (d *Database) SaveCapture(rec *CaptureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	cleaned := 0
	if rec.Cleaned {
		cleaned = 1
	}

	query := `INSERT INTO captures
		(id, device_id, timestamp, frame_seq, image_path, image_key, status, subjects, stored, cleaned, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			stored = excluded.stored,
			cleaned = excluded.cleaned,
			error = excluded.error`

	_, err := d.db.Exec(query, rec.ID, rec.DeviceID, rec.Timestamp.UTC(), rec.FrameSeq,
		nullString(rec.ImagePath), nullString(rec.ImageKey), rec.Status, rec.Subjects,
		rec.Stored, cleaned, nullString(rec.Error))
	if err != nil {
		return fmt.Errorf("failed to save capture: %w", err)
	}
	return nil
}

// ListCaptures returns capture audit rows newest first, optionally only
// those with the given status
func (d *Database) ListCaptures(status string, limit int) ([]*CaptureRecord, error) {
	query := `SELECT id, device_id, timestamp, frame_seq, image_path, image_key, status,
		subjects, stored, cleaned, error FROM captures WHERE 1=1`
	args := []any{}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var captures []*CaptureRecord
	for rows.Next() {
		var rec CaptureRecord
		var imagePath, imageKey, errMsg sql.NullString
		var cleaned int
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.Timestamp, &rec.FrameSeq, &imagePath,
			&imageKey, &rec.Status, &rec.Subjects, &rec.Stored, &cleaned, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		rec.ImagePath = imagePath.String
		rec.ImageKey = imageKey.String
		rec.Error = errMsg.String
		rec.Cleaned = cleaned == 1
		captures = append(captures, &rec)
	}
	return captures, rows.Err()
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	_, err := d.db.Exec(query, key, value)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetConfig retrieves a configuration value, "" when unset
func (d *Database) GetConfig(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
