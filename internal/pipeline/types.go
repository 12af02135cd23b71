package pipeline

import (
	"image"
	"math"
	"time"
)

// Frame is one sampled video frame
type Frame struct {
	Seq       uint64      // Sequence number among sampled frames
	Timestamp time.Time   // Capture time (carries a monotonic reading when taken from time.Now)
	JPEG      []byte      // Encoded frame as delivered by the source
	Image     image.Image // Decoded frame, filled by the pipeline before detection
}

// Width returns the decoded frame width, or 0 when the frame is not decoded
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the decoded frame height, or 0 when the frame is not decoded
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// BBox is an axis-aligned box in pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Valid reports whether the box has positive width and height
func (b BBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Center returns the box center point
func (b BBox) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Rect converts the box to an integer rectangle clamped to bounds.
// The result is empty when the box lies outside bounds.
func (b BBox) Rect(bounds image.Rectangle) image.Rectangle {
	r := image.Rect(
		int(math.Floor(float64(b.X1))),
		int(math.Floor(float64(b.Y1))),
		int(math.Ceil(float64(b.X2))),
		int(math.Ceil(float64(b.Y2))),
	)
	return r.Intersect(bounds)
}

// Kind tells whether a detection can be trusted directly
type Kind string

const (
	// KindStandard detections (person class) are subjects as-is
	KindStandard Kind = "standard"
	// KindAmbiguous detections need classifier validation first
	KindAmbiguous Kind = "ambiguous"
)

// Costume is a vision classifier verdict for one crop
type Costume struct {
	Label       string  `json:"label"`
	Description string  `json:"description"`
	Confidence  float32 `json:"confidence"`
}

// IsNoCostume reports whether the classifier saw a plain person
func (c *Costume) IsNoCostume() bool {
	if c == nil {
		return false
	}
	return IsNoCostume(c.Label, c.Description)
}

// Detection is one candidate subject in one frame.
// Detections are values; stages return new copies instead of mutating.
type Detection struct {
	ClassID    int      `json:"class_id"`
	ClassName  string   `json:"class_name,omitempty"`
	Confidence float32  `json:"confidence"`
	Box        BBox     `json:"box"`
	Kind       Kind     `json:"kind"`
	Costume    *Costume `json:"costume,omitempty"` // Set by the dual-pass gate for validated ambiguous detections
}

// ClassificationStatus distinguishes why a subject has or lacks costume fields
type ClassificationStatus string

const (
	// StatusPending - not yet sent to the classifier
	StatusPending ClassificationStatus = "pending"
	// StatusClassified - classifier returned a label (possibly "no costume")
	StatusClassified ClassificationStatus = "classified"
	// StatusFailed - classifier call failed, costume fields stay empty
	StatusFailed ClassificationStatus = "failed"
	// StatusSkipped - no classifier configured
	StatusSkipped ClassificationStatus = "skipped"
)

// Subject is one person or costume instance within a capture
type Subject struct {
	Index      int                  `json:"index"`
	ClassID    int                  `json:"class_id"`
	Kind       Kind                 `json:"kind"`
	Confidence float32              `json:"confidence"`
	Box        BBox                 `json:"box"`
	Costume    *Costume             `json:"costume,omitempty"`
	Status     ClassificationStatus `json:"status"`
}

// SubjectFromDetection copies a confirmed detection into a subject
func SubjectFromDetection(index int, d Detection) Subject {
	s := Subject{
		Index:      index,
		ClassID:    d.ClassID,
		Kind:       d.Kind,
		Confidence: d.Confidence,
		Box:        d.Box,
		Status:     StatusPending,
	}
	if d.Costume != nil {
		c := *d.Costume
		s.Costume = &c
		s.Status = StatusClassified
	}
	return s
}

// CaptureEvent is emitted once per matured presence episode
type CaptureEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	FrameSeq  uint64      `json:"frame_seq"`
	Subjects  []Detection `json:"subjects"` // Emission order of the detector
}

// Phase is the presence tracker state
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseDwelling Phase = "dwelling"
	PhaseCooldown Phase = "cooldown"
)

// PresenceState is the only cross-frame memory of the pipeline
type PresenceState struct {
	Phase            Phase     `json:"phase"`
	EpisodeStartTime time.Time `json:"episode_start_time"` // Meaningful only while dwelling
	LastSeenTime     time.Time `json:"last_seen_time"`
	CooldownUntil    time.Time `json:"cooldown_until"` // Meaningful only in cooldown
}
