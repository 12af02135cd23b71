package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"testing"
	"time"
)

// blackoutRedactor paints every subject region black
type blackoutRedactor struct{}

func (blackoutRedactor) Redact(img *image.RGBA, subjects []image.Rectangle) (int, error) {
	for _, r := range subjects {
		draw.Draw(img, r, image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
	return len(subjects), nil
}

func composeTestCapture(t *testing.T, redactor Redactor, subjects ...Detection) (*Capture, *Frame) {
	t.Helper()
	frame := testFrame(7, at(30))
	event := &CaptureEvent{Timestamp: frame.Timestamp, FrameSeq: frame.Seq, Subjects: subjects}

	composer := NewComposer(ComposerConfig{Dir: t.TempDir()}, redactor)
	capture, err := composer.Compose(event, frame)
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	return capture, frame
}

func standardSubject() Detection {
	return Detection{ClassID: 0, Confidence: 0.91, Box: BBox{X1: 40, Y1: 40, X2: 140, Y2: 200}, Kind: KindStandard}
}

func TestFanOutAllStoredRemovesLocalFile(t *testing.T) {
	capture, frame := composeTestCapture(t, nil, standardSubject(), standardSubject())
	store := &fakeStore{}
	classifier := &fakeClassifier{result: &Costume{Label: "witch", Description: "pointy hat", Confidence: 0.9}}

	report := NewFanOut(FanOutConfig{DeviceID: "porch"}, classifier, store).Run(context.Background(), capture, frame)

	if report.Status != CaptureStored {
		t.Errorf("Status = %s, want %s", report.Status, CaptureStored)
	}
	if !report.Cleaned {
		t.Error("Expected local file cleanup")
	}
	if _, err := os.Stat(capture.Path); !os.IsNotExist(err) {
		t.Errorf("Local capture should be gone, stat err = %v", err)
	}
	if len(store.records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(store.records))
	}

	rec := store.records[0]
	if rec.CostumeLabel == nil || *rec.CostumeLabel != "witch" {
		t.Errorf("Costume label not attached: %v", rec.CostumeLabel)
	}
	if rec.ImageKey != StorageKey("porch", at(30), time.UTC) {
		t.Errorf("ImageKey = %s", rec.ImageKey)
	}
	if !bytes.Equal(rec.ImageData, capture.JPEG) {
		t.Error("Record should carry the redacted capture bytes")
	}
}

func TestFanOutStoreFailureRetainsFileAndContinues(t *testing.T) {
	capture, frame := composeTestCapture(t, nil, standardSubject(), standardSubject(), standardSubject())
	store := &fakeStore{failAt: map[int]bool{0: true}}

	report := NewFanOut(FanOutConfig{DeviceID: "porch"}, nil, store).Run(context.Background(), capture, frame)

	if len(store.records) != 3 {
		t.Fatalf("A failed save must not stop later subjects, got %d saves", len(store.records))
	}
	if report.Status != CapturePartial {
		t.Errorf("Status = %s, want %s", report.Status, CapturePartial)
	}
	if report.Cleaned {
		t.Error("Local file must be retained after a store failure")
	}
	if _, err := os.Stat(capture.Path); err != nil {
		t.Errorf("Local capture missing: %v", err)
	}
	if report.Outcomes[0].Error == "" {
		t.Error("Failed outcome should carry the error")
	}
}

func TestFanOutUploadFailureRetainsFile(t *testing.T) {
	capture, frame := composeTestCapture(t, nil, standardSubject())
	store := &fakeStore{noImageAt: map[int]bool{0: true}}

	report := NewFanOut(FanOutConfig{DeviceID: "porch"}, nil, store).Run(context.Background(), capture, frame)

	if report.Status != CaptureRetained {
		t.Errorf("Status = %s, want %s", report.Status, CaptureRetained)
	}
	if report.Outcomes[0].RecordID != "rec-partial" {
		t.Errorf("Record inserted without image should keep its ID, got %q", report.Outcomes[0].RecordID)
	}
	if _, err := os.Stat(capture.Path); err != nil {
		t.Errorf("Local capture missing: %v", err)
	}
}

func TestFanOutClassifierFailureLeavesFieldsEmpty(t *testing.T) {
	capture, frame := composeTestCapture(t, nil, standardSubject())
	store := &fakeStore{}
	classifier := &fakeClassifier{err: errors.New("timeout")}

	report := NewFanOut(FanOutConfig{DeviceID: "porch"}, classifier, store).Run(context.Background(), capture, frame)

	if got := report.Outcomes[0].Subject.Status; got != StatusFailed {
		t.Errorf("Subject status = %s, want %s", got, StatusFailed)
	}
	if len(store.records) != 1 {
		t.Fatal("Record should still be stored after classifier failure")
	}
	rec := store.records[0]
	if rec.CostumeLabel != nil || rec.CostumeDescription != nil || rec.CostumeConfidence != nil {
		t.Error("Costume fields must be null after classifier failure")
	}
}

func TestFanOutNoCostumeIsClassified(t *testing.T) {
	capture, frame := composeTestCapture(t, nil, standardSubject())
	classifier := &fakeClassifier{result: &Costume{Label: "person", Description: "No costume visible"}}

	report := NewFanOut(FanOutConfig{}, classifier, &fakeStore{}).Run(context.Background(), capture, frame)

	s := report.Outcomes[0].Subject
	if s.Status != StatusClassified {
		t.Errorf("Status = %s, want %s", s.Status, StatusClassified)
	}
	if !s.Costume.IsNoCostume() {
		t.Error("Expected a no-costume verdict")
	}
}

func TestFanOutSkipsPreClassifiedSubjects(t *testing.T) {
	validated := Detection{
		ClassID:    14,
		Confidence: 0.8,
		Box:        BBox{X1: 150, Y1: 20, X2: 300, Y2: 230},
		Kind:       KindAmbiguous,
		Costume:    &Costume{Label: "inflatable dinosaur", Confidence: 0.95},
	}
	capture, frame := composeTestCapture(t, nil, standardSubject(), validated)
	classifier := &fakeClassifier{result: &Costume{Label: "ghost"}}

	report := NewFanOut(FanOutConfig{}, classifier, &fakeStore{}).Run(context.Background(), capture, frame)

	if classifier.calls != 1 {
		t.Errorf("Classifier called %d times, want 1", classifier.calls)
	}
	if got := report.Outcomes[1].Subject.Costume.Label; got != "inflatable dinosaur" {
		t.Errorf("Pre-classified label overwritten: %s", got)
	}
}

func TestFanOutClassifiesUnredactedCrop(t *testing.T) {
	capture, frame := composeTestCapture(t, blackoutRedactor{}, standardSubject())
	if capture.Redacted != 1 {
		t.Fatalf("Redacted = %d, want 1", capture.Redacted)
	}
	classifier := &fakeClassifier{result: &Costume{Label: "pirate"}}

	NewFanOut(FanOutConfig{}, classifier, &fakeStore{}).Run(context.Background(), capture, frame)

	if len(classifier.crops) != 1 {
		t.Fatalf("Expected one crop, got %d", len(classifier.crops))
	}
	img, err := jpeg.Decode(bytes.NewReader(classifier.crops[0]))
	if err != nil {
		t.Fatalf("Crop is not a JPEG: %v", err)
	}
	b := img.Bounds()
	r, _, _, _ := img.At(b.Dx()/2, b.Dy()/2).RGBA()
	if r>>8 < 150 {
		t.Errorf("Crop center looks redacted (red=%d), classifier must see the original frame", r>>8)
	}
}

func TestFanOutNoStoreKeepsFile(t *testing.T) {
	capture, frame := composeTestCapture(t, nil, standardSubject())

	report := NewFanOut(FanOutConfig{}, nil, nil).Run(context.Background(), capture, frame)

	if report.Status != CaptureRetained || report.Cleaned {
		t.Errorf("Status = %s cleaned = %v, want retained and kept", report.Status, report.Cleaned)
	}
	if got := report.Outcomes[0].Subject.Status; got != StatusSkipped {
		t.Errorf("Subject status = %s, want %s", got, StatusSkipped)
	}
}

func TestStorageKey(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ts := time.Date(2026, 11, 1, 2, 30, 0, 0, time.UTC)
	if got := StorageKey("porch", ts, loc); got != "porch/20261031_193000.jpg" {
		t.Errorf("StorageKey() = %s", got)
	}
}
