package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	plog "porchwatch/internal/log"
)

// CaptureStatus is the outcome of a capture after fan-out
type CaptureStatus string

const (
	// CaptureComposed - written locally, fan-out not finished
	CaptureComposed CaptureStatus = "composed"
	// CaptureComposeFailed - redaction or write failed, nothing persisted
	CaptureComposeFailed CaptureStatus = "compose_failed"
	// CaptureStored - every record handed off, local file removed
	CaptureStored CaptureStatus = "stored"
	// CapturePartial - some records handed off, local file kept
	CapturePartial CaptureStatus = "partial"
	// CaptureRetained - nothing handed off, local file kept
	CaptureRetained CaptureStatus = "retained"
)

// SubjectOutcome is what happened to one subject's record
type SubjectOutcome struct {
	Subject  Subject `json:"subject"`
	RecordID string  `json:"record_id,omitempty"`
	ImageURL string  `json:"image_url,omitempty"`
	Stored   bool    `json:"stored"`
	Error    string  `json:"error,omitempty"`
}

// CaptureReport summarizes one capture event end to end
type CaptureReport struct {
	ID        string           `json:"id"`
	DeviceID  string           `json:"device_id"`
	Timestamp time.Time        `json:"timestamp"`
	FrameSeq  uint64           `json:"frame_seq"`
	ImagePath string           `json:"image_path,omitempty"`
	ImageKey  string           `json:"image_key,omitempty"`
	Image     []byte           `json:"-"` // Redacted capture, for notifiers
	Outcomes  []SubjectOutcome `json:"subjects"`
	Status    CaptureStatus    `json:"status"`
	Cleaned   bool             `json:"cleaned"`
	Error     string           `json:"error,omitempty"`
}

// StoredCount returns how many records were fully handed off
func (r *CaptureReport) StoredCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Stored {
			n++
		}
	}
	return n
}

// FanOutConfig configures classification and upload of a capture
type FanOutConfig struct {
	DeviceID          string
	Location          *time.Location // Timezone for storage keys, UTC when nil
	ClassifierTimeout time.Duration  // Per subject
	StoreTimeout      time.Duration  // Per subject
	CropMaxSide       int
}

// StorageKey is the deterministic backend key for a capture image
func StorageKey(deviceID string, ts time.Time, loc *time.Location) string {
	if loc != nil {
		ts = ts.In(loc)
	}
	return deviceID + "/" + ts.Format(CaptureTimeLayout) + ".jpg"
}

// FanOut classifies and stores each subject of a capture, best-effort.
// classifier and store may be nil.
type FanOut struct {
	config     FanOutConfig
	classifier Classifier
	store      Store
	logger     *slog.Logger
}

// NewFanOut creates the fan-out stage
func NewFanOut(config FanOutConfig, classifier Classifier, store Store) *FanOut {
	if config.ClassifierTimeout <= 0 {
		config.ClassifierTimeout = 60 * time.Second
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 30 * time.Second
	}
	if config.CropMaxSide == 0 {
		config.CropMaxSide = DefaultCropMaxSide
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &FanOut{
		config:     config,
		classifier: classifier,
		store:      store,
		logger:     plog.Component("fanout"),
	}
}

// Run processes every subject of capture. frame must be the original,
// unredacted frame. No per-subject failure stops the remaining subjects.
func (f *FanOut) Run(ctx context.Context, capture *Capture, frame *Frame) *CaptureReport {
	event := capture.Event
	report := &CaptureReport{
		DeviceID:  f.config.DeviceID,
		Timestamp: event.Timestamp,
		FrameSeq:  event.FrameSeq,
		ImagePath: capture.Path,
		ImageKey:  StorageKey(f.config.DeviceID, event.Timestamp, f.config.Location),
		Image:     capture.JPEG,
		Outcomes:  make([]SubjectOutcome, 0, len(capture.Subjects)),
		Status:    CaptureComposed,
	}

	for i := range capture.Subjects {
		subject := &capture.Subjects[i]
		f.classify(ctx, subject, frame, event)

		outcome := SubjectOutcome{Subject: *subject}
		f.save(ctx, report, subject, &outcome)
		report.Outcomes = append(report.Outcomes, outcome)
	}

	f.finish(report)
	return report
}

func (f *FanOut) classify(ctx context.Context, subject *Subject, frame *Frame, event *CaptureEvent) {
	if subject.Status == StatusClassified {
		// Validated by the dual-pass gate already
		return
	}
	if f.classifier == nil {
		subject.Status = StatusSkipped
		return
	}

	crop, err := CropJPEG(frame.Image, subject.Box, f.config.CropMaxSide)
	if err != nil {
		subject.Status = StatusFailed
		f.logger.Warn("subject crop failed",
			"error", err,
			"subject", subject.Index,
			"frame_seq", event.FrameSeq)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, f.config.ClassifierTimeout)
	defer cancel()

	costume, err := f.classifier.Classify(cctx, crop)
	if err != nil {
		subject.Status = StatusFailed
		f.logger.Warn("subject classification failed",
			"error", err,
			"subject", subject.Index,
			"frame_seq", event.FrameSeq)
		return
	}

	subject.Costume = costume
	subject.Status = StatusClassified
	f.logger.Info("subject classified",
		"subject", subject.Index,
		"label", costume.Label,
		"confidence", costume.Confidence,
		"no_costume", costume.IsNoCostume())
}

func (f *FanOut) save(ctx context.Context, report *CaptureReport, subject *Subject, outcome *SubjectOutcome) {
	if f.store == nil {
		outcome.Error = "no store configured"
		return
	}

	rec := &Record{
		DeviceID:   f.config.DeviceID,
		Timestamp:  report.Timestamp,
		Confidence: subject.Confidence,
		Box:        subject.Box,
		ImagePath:  report.ImagePath,
		ImageKey:   report.ImageKey,
		ImageData:  report.Image,
	}
	if c := subject.Costume; c != nil {
		label, desc, conf := c.Label, c.Description, c.Confidence
		rec.CostumeLabel = &label
		rec.CostumeDescription = &desc
		rec.CostumeConfidence = &conf
	}

	sctx, cancel := context.WithTimeout(ctx, f.config.StoreTimeout)
	defer cancel()

	result, err := f.store.Save(sctx, rec)
	if result != nil {
		outcome.RecordID = result.ID
		outcome.ImageURL = result.ImageURL
	}
	if err != nil {
		outcome.Error = err.Error()
		f.logger.Error("store save failed",
			"error", err,
			"subject", subject.Index,
			"event_ts", report.Timestamp,
			"record_id", outcome.RecordID)
		return
	}
	if result == nil || !result.ImageStored {
		outcome.Error = "image upload failed"
		f.logger.Warn("record saved without image",
			"subject", subject.Index,
			"record_id", outcome.RecordID)
		return
	}

	outcome.Stored = true
	f.logger.Info("record stored",
		"subject", subject.Index,
		"record_id", outcome.RecordID,
		"image_url", outcome.ImageURL)
}

// finish removes the local image only after a clean hand-off of every record
func (f *FanOut) finish(report *CaptureReport) {
	stored := report.StoredCount()

	switch {
	case len(report.Outcomes) > 0 && stored == len(report.Outcomes):
		report.Status = CaptureStored
	case stored > 0:
		report.Status = CapturePartial
	default:
		report.Status = CaptureRetained
	}

	if report.Status != CaptureStored {
		f.logger.Warn("local capture retained",
			"path", report.ImagePath,
			"stored", stored,
			"subjects", len(report.Outcomes))
		return
	}

	if err := os.Remove(report.ImagePath); err != nil {
		report.Error = fmt.Sprintf("cleanup: %v", err)
		f.logger.Error("failed to remove local capture", "error", err, "path", report.ImagePath)
		return
	}
	report.Cleaned = true
}
