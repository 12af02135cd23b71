// Package detection holds the clients for the external object detector.
package detection

import (
	"context"
	"fmt"
)

// Detection is one raw detector output
type Detection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2] in pixels
}

// DetectionResult represents the full detection response
type DetectionResult struct {
	Detections      []Detection `json:"detections"`
	Count           int         `json:"count"`
	InferenceTimeMs float32     `json:"inference_time_ms"`
	Device          string      `json:"device"`
}

// ObjectDetector is the external detector contract: a frame in, candidate
// detections out. Implementations must be safe to call repeatedly.
type ObjectDetector interface {
	Infer(ctx context.Context, jpeg []byte, confThreshold float32) (*DetectionResult, error)
	IsHealthy(ctx context.Context) bool
	Close() error
}

// Box returns the bounding box, validating its shape
func (d Detection) Box() (x1, y1, x2, y2 float32, err error) {
	if len(d.BBox) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("bbox has %d values, want 4", len(d.BBox))
	}
	return d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3], nil
}
