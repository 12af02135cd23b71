package pipeline

import (
	"context"
	"image"
	"time"
)

// FrameSampler delivers sampled frames in arrival order.
// Next blocks until a frame is available and only fails when ctx is done.
type FrameSampler interface {
	Next(ctx context.Context) (*Frame, error)
}

// SubjectDetector runs the object detector on a frame and splits the
// surviving detections into trusted and to-be-validated sets
type SubjectDetector interface {
	Detect(ctx context.Context, frame *Frame) (standard, ambiguous []Detection, err error)
}

// SubjectResolver confirms subjects: standard detections pass through,
// ambiguous ones survive only when the classifier validates them
type SubjectResolver interface {
	Resolve(ctx context.Context, standard, ambiguous []Detection, frame *Frame) []Detection
}

// Classifier is the remote vision classifier
type Classifier interface {
	Classify(ctx context.Context, jpeg []byte) (*Costume, error)
}

// Redactor blurs privacy-sensitive regions of img in place.
// subjects are the capture's subject regions, for redactors that need them.
// Returns the number of regions blurred.
type Redactor interface {
	Redact(img *image.RGBA, subjects []image.Rectangle) (int, error)
}

// Record is what the backend store persists for one subject
type Record struct {
	DeviceID           string    `json:"device_id"`
	Timestamp          time.Time `json:"timestamp"`
	Confidence         float32   `json:"confidence"`
	Box                BBox      `json:"bounding_box"`
	ImagePath          string    `json:"-"` // Local redacted capture
	ImageKey           string    `json:"-"` // Deterministic storage key
	ImageData          []byte    `json:"-"`
	CostumeLabel       *string   `json:"costume_classification,omitempty"`
	CostumeDescription *string   `json:"costume_description,omitempty"`
	CostumeConfidence  *float32  `json:"costume_confidence,omitempty"`
}

// SaveResult reports how far a store got with a record
type SaveResult struct {
	ID          string // Stored record ID, empty when the insert failed
	ImageURL    string // Where the image can be fetched, empty when upload failed
	ImageStored bool   // Upload step succeeded
}

// Store is the backend store for detection records
type Store interface {
	Save(ctx context.Context, rec *Record) (*SaveResult, error)
}

// CaptureHandler receives capture reports after fan-out completes
type CaptureHandler interface {
	OnCapture(report *CaptureReport)
}

// CaptureLog records capture outcomes for operators
type CaptureLog interface {
	RecordCapture(report *CaptureReport) error
}
