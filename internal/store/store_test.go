package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"porchwatch/internal/database"
	"porchwatch/internal/pipeline"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	return db
}

func testRecord() *pipeline.Record {
	label := "pirate"
	conf := float32(0.8)
	return &pipeline.Record{
		DeviceID:          "porch",
		Timestamp:         time.Date(2026, 10, 31, 19, 15, 0, 0, time.UTC),
		Confidence:        0.9,
		Box:               pipeline.BBox{X1: 1, Y1: 2, X2: 30, Y2: 40},
		ImageKey:          "porch/20261031_121500.jpg",
		ImageData:         []byte{0xFF, 0xD8, 0xFF, 0xD9},
		CostumeLabel:      &label,
		CostumeConfidence: &conf,
	}
}

func TestLocalStoreSave(t *testing.T) {
	db := newTestDB(t)
	s, err := NewLocalStore(db, filepath.Join(t.TempDir(), "images"))
	if err != nil {
		t.Fatal(err)
	}

	result, err := s.Save(context.Background(), testRecord())
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if !result.ImageStored || result.ID == "" {
		t.Errorf("Save() = %+v", result)
	}

	path, _ := s.ImagePath("porch/20261031_121500.jpg")
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(data, testRecord().ImageData) {
		t.Errorf("Image not stored under its key: %v", err)
	}

	row, err := db.GetDetection(result.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.ImageURL != "/api/images/porch/20261031_121500.jpg" || row.CostumeLabel == nil || *row.CostumeLabel != "pirate" {
		t.Errorf("Row = %+v", row)
	}
	if row.CostumeConfidence == nil || *row.CostumeConfidence < 0.79 {
		t.Errorf("CostumeConfidence = %v", row.CostumeConfidence)
	}
}

func TestLocalStoreImagePathRejectsTraversal(t *testing.T) {
	s, err := NewLocalStore(newTestDB(t), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../etc/passwd", "porch/../../x.jpg", ""} {
		if _, err := s.ImagePath(key); err == nil {
			t.Errorf("ImagePath(%q) should fail", key)
		}
	}
}

func TestLocalStoreBadKeyStillInserts(t *testing.T) {
	db := newTestDB(t)
	s, _ := NewLocalStore(db, t.TempDir())
	rec := testRecord()
	rec.ImageKey = "../escape.jpg"

	result, err := s.Save(context.Background(), rec)
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if result.ImageStored || result.ID == "" {
		t.Errorf("Save() = %+v, want row without image", result)
	}
}

func TestAuditLog(t *testing.T) {
	db := newTestDB(t)
	log := NewAuditLog(db)

	report := &pipeline.CaptureReport{
		ID:        "cap-1",
		DeviceID:  "porch",
		Timestamp: time.Now(),
		FrameSeq:  9,
		ImagePath: "/captures/detection_20261031_180000.jpg",
		Status:    pipeline.CapturePartial,
		Outcomes:  []pipeline.SubjectOutcome{{Stored: true}, {Error: "boom"}},
	}
	if err := log.RecordCapture(report); err != nil {
		t.Fatal(err)
	}

	rows, err := db.ListCaptures(string(pipeline.CapturePartial), 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListCaptures() = %v, %v", rows, err)
	}
	if rows[0].Subjects != 2 || rows[0].Stored != 1 || rows[0].FrameSeq != 9 {
		t.Errorf("Audit row = %+v", rows[0])
	}
}

// fakeSupabase records requests and fails uploads on demand
type fakeSupabase struct {
	mu         sync.Mutex
	failUpload bool
	uploads    map[string][]byte
	rows       []map[string]any
}

func (f *fakeSupabase) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "service-key" || r.Header.Get("Authorization") != "Bearer service-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/storage/v1/object/detection-images/"):
			if f.failUpload {
				http.Error(w, "bucket not found", http.StatusNotFound)
				return
			}
			if r.Header.Get("x-upsert") != "true" {
				t.Errorf("Upload should upsert")
			}
			data, _ := io.ReadAll(r.Body)
			f.uploads[strings.TrimPrefix(r.URL.Path, "/storage/v1/object/detection-images/")] = data
			w.Write([]byte(`{"Key": "ok"}`))
		case r.URL.Path == "/rest/v1/person_detections":
			var row map[string]any
			if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.rows = append(f.rows, row)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`[{"id": 17}]`))
		default:
			http.NotFound(w, r)
		}
	}
}

func newSupabaseTest(t *testing.T, fake *fakeSupabase) *SupabaseStore {
	t.Helper()
	fake.uploads = map[string][]byte{}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	s, err := NewSupabaseStore(SupabaseConfig{URL: server.URL + "/", ServiceKey: "service-key"})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSupabaseSave(t *testing.T) {
	fake := &fakeSupabase{}
	s := newSupabaseTest(t, fake)

	result, err := s.Save(context.Background(), testRecord())
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if result.ID != "17" || !result.ImageStored {
		t.Errorf("Save() = %+v", result)
	}
	if _, ok := fake.uploads["porch/20261031_121500.jpg"]; !ok {
		t.Errorf("Image not uploaded under its key: %v", fake.uploads)
	}

	row := fake.rows[0]
	if row["image_url"] != s.PublicURL("porch/20261031_121500.jpg") {
		t.Errorf("image_url = %v", row["image_url"])
	}
	if row["costume_classification"] != "pirate" || row["device_id"] != "porch" {
		t.Errorf("Row = %v", row)
	}
	if _, ok := row["costume_description"]; ok {
		t.Error("Null costume fields should be omitted")
	}
}

func TestSupabaseUploadFailureStillInserts(t *testing.T) {
	fake := &fakeSupabase{failUpload: true}
	s := newSupabaseTest(t, fake)

	result, err := s.Save(context.Background(), testRecord())
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if result.ImageStored || result.ID != "17" {
		t.Errorf("Save() = %+v", result)
	}
	if _, ok := fake.rows[0]["image_url"]; ok {
		t.Error("image_url must be absent when the upload failed")
	}
}

func TestSupabaseInsertFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/rest/") {
			http.Error(w, "relation does not exist", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, _ := NewSupabaseStore(SupabaseConfig{URL: server.URL, ServiceKey: "k"})
	result, err := s.Save(context.Background(), testRecord())
	if err == nil {
		t.Fatal("Expected insert error")
	}
	if result == nil || !result.ImageStored || result.ID != "" {
		t.Errorf("Partial result = %+v", result)
	}
}
