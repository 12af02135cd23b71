package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	plog "porchwatch/internal/log"
	"porchwatch/internal/pipeline"
)

// SupabaseConfig configures the Supabase store
type SupabaseConfig struct {
	URL        string
	ServiceKey string
	Bucket     string
	Table      string
	Timeout    time.Duration
}

// SupabaseStore uploads images to Supabase Storage and inserts rows through
// the PostgREST API
type SupabaseStore struct {
	config SupabaseConfig
	client *http.Client
	logger *slog.Logger
}

// NewSupabaseStore creates the remote store
func NewSupabaseStore(config SupabaseConfig) (*SupabaseStore, error) {
	if config.URL == "" || config.ServiceKey == "" {
		return nil, errors.New("supabase URL and service key are required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid supabase URL: %w", err)
	}
	config.URL = strings.TrimRight(config.URL, "/")
	if config.Bucket == "" {
		config.Bucket = "detection-images"
	}
	if config.Table == "" {
		config.Table = "person_detections"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &SupabaseStore{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: plog.Component("supabase_store"),
	}, nil
}

type detectionRow struct {
	Timestamp          string        `json:"timestamp"`
	Confidence         float32       `json:"confidence"`
	BoundingBox        pipeline.BBox `json:"bounding_box"`
	DeviceID           string        `json:"device_id"`
	ImageURL           *string       `json:"image_url,omitempty"`
	CostumeLabel       *string       `json:"costume_classification,omitempty"`
	CostumeConfidence  *float32      `json:"costume_confidence,omitempty"`
	CostumeDescription *string       `json:"costume_description,omitempty"`
}

// Save uploads the image then inserts the row. A failed upload is logged and
// the row is inserted without image_url.
func (s *SupabaseStore) Save(ctx context.Context, rec *pipeline.Record) (*pipeline.SaveResult, error) {
	result := &pipeline.SaveResult{}

	if rec.ImageKey != "" && len(rec.ImageData) > 0 {
		if err := s.upload(ctx, rec.ImageKey, rec.ImageData); err != nil {
			s.logger.Warn("image upload failed, inserting record without image",
				"key", rec.ImageKey, "error", err)
		} else {
			result.ImageStored = true
			result.ImageURL = s.PublicURL(rec.ImageKey)
		}
	}

	row := detectionRow{
		Timestamp:          rec.Timestamp.UTC().Format(time.RFC3339Nano),
		Confidence:         rec.Confidence,
		BoundingBox:        rec.Box,
		DeviceID:           rec.DeviceID,
		CostumeLabel:       rec.CostumeLabel,
		CostumeConfidence:  rec.CostumeConfidence,
		CostumeDescription: rec.CostumeDescription,
	}
	if result.ImageStored {
		row.ImageURL = &result.ImageURL
	}

	id, err := s.insert(ctx, row)
	if err != nil {
		return result, err
	}
	result.ID = id
	return result, nil
}

// PublicURL is where a stored object can be fetched
func (s *SupabaseStore) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.config.URL, s.config.Bucket, key)
}

func (s *SupabaseStore) upload(ctx context.Context, key string, data []byte) error {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.config.URL, s.config.Bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	s.authorize(req)
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp, "upload")
}

func (s *SupabaseStore) insert(ctx context.Context, row detectionRow) (string, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("failed to marshal row: %w", err)
	}

	endpoint := fmt.Sprintf("%s/rest/v1/%s", s.config.URL, s.config.Table)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create insert request: %w", err)
	}
	s.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("insert failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "insert"); err != nil {
		return "", err
	}

	var inserted []struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&inserted); err != nil || len(inserted) == 0 {
		return "", fmt.Errorf("insert returned no row")
	}
	return strings.Trim(string(inserted[0].ID), `"`), nil
}

func (s *SupabaseStore) authorize(req *http.Request) {
	req.Header.Set("apikey", s.config.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+s.config.ServiceKey)
}

func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s returned status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
}

var _ pipeline.Store = (*SupabaseStore)(nil)
