// Package detectors adapts external detector and classifier backends to the
// pipeline's detection stages.
package detectors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"

	"porchwatch/internal/detection"
	plog "porchwatch/internal/log"
	"porchwatch/internal/pipeline"
)

// ROI is a rectangle in normalized [0,1] frame coordinates
type ROI struct {
	Enabled bool    `yaml:"enabled"`
	XMin    float64 `yaml:"x_min"`
	XMax    float64 `yaml:"x_max"`
	YMin    float64 `yaml:"y_min"`
	YMax    float64 `yaml:"y_max"`
}

// Contains reports whether a normalized point is inside the ROI, bounds
// included. A disabled ROI contains everything.
func (r ROI) Contains(nx, ny float64) bool {
	if !r.Enabled {
		return true
	}
	return nx >= r.XMin && nx <= r.XMax && ny >= r.YMin && ny <= r.YMax
}

// Validate checks the ROI bounds
func (r ROI) Validate() error {
	if !r.Enabled {
		return nil
	}
	for _, v := range []float64{r.XMin, r.XMax, r.YMin, r.YMax} {
		if v < 0 || v > 1 {
			return fmt.Errorf("roi bounds must be within [0,1], got %+v", r)
		}
	}
	if r.XMin > r.XMax || r.YMin > r.YMax {
		return fmt.Errorf("roi min must not exceed max, got %+v", r)
	}
	return nil
}

// AdapterConfig configures filtering and classification of raw detections
type AdapterConfig struct {
	ConfThreshold float32
	// AmbiguousConfThreshold overrides ConfThreshold for ambiguous classes, 0 keeps it
	AmbiguousConfThreshold float32
	StandardClasses        []int
	AmbiguousClasses       []int
	ROI                    ROI
}

// YOLOAdapter turns raw detector output into typed, filtered detections
type YOLOAdapter struct {
	registry  *Registry
	config    AdapterConfig
	standard  map[int]bool
	ambiguous map[int]bool
	logger    *slog.Logger
}

// NewYOLOAdapter creates the detector adapter
func NewYOLOAdapter(registry *Registry, config AdapterConfig) (*YOLOAdapter, error) {
	if config.ConfThreshold <= 0 {
		config.ConfThreshold = 0.5
	}
	if err := config.ROI.Validate(); err != nil {
		return nil, err
	}

	a := &YOLOAdapter{
		registry:  registry,
		config:    config,
		standard:  make(map[int]bool),
		ambiguous: make(map[int]bool),
		logger:    plog.Component("detector_adapter"),
	}
	for _, c := range config.StandardClasses {
		a.standard[c] = true
	}
	for _, c := range config.AmbiguousClasses {
		if a.standard[c] {
			return nil, fmt.Errorf("class %d cannot be both standard and ambiguous", c)
		}
		a.ambiguous[c] = true
	}
	return a, nil
}

// Detect runs the primary backend on the frame and splits the survivors
func (a *YOLOAdapter) Detect(ctx context.Context, frame *pipeline.Frame) (standard, ambiguous []pipeline.Detection, err error) {
	if a.config.ROI.Enabled && frame.Image == nil {
		return nil, nil, errors.New("roi filtering needs a decoded frame")
	}

	name, backend, err := a.registry.Primary(ctx)
	if err != nil {
		return nil, nil, err
	}

	data, err := frameJPEG(frame)
	if err != nil {
		return nil, nil, err
	}

	result, err := backend.Infer(ctx, data, a.requestThreshold())
	if err != nil {
		return nil, nil, fmt.Errorf("%s detector: %w", name, err)
	}

	standard, ambiguous = a.Filter(result.Detections, frame.Width(), frame.Height())
	if len(standard)+len(ambiguous) > 0 {
		a.logger.Debug("detections",
			"frame_seq", frame.Seq,
			"backend", name,
			"raw", len(result.Detections),
			"standard", len(standard),
			"ambiguous", len(ambiguous))
	}
	return standard, ambiguous, nil
}

// Filter applies threshold, ROI and class split to raw detections.
// width and height are the frame size used to normalize box centers.
func (a *YOLOAdapter) Filter(raw []detection.Detection, width, height int) (standard, ambiguous []pipeline.Detection) {
	for _, r := range raw {
		var kind pipeline.Kind
		threshold := a.config.ConfThreshold
		switch {
		case a.standard[r.ClassID]:
			kind = pipeline.KindStandard
		case a.ambiguous[r.ClassID]:
			kind = pipeline.KindAmbiguous
			if a.config.AmbiguousConfThreshold > 0 {
				threshold = a.config.AmbiguousConfThreshold
			}
		default:
			continue
		}

		if r.Confidence < threshold {
			continue
		}

		x1, y1, x2, y2, err := r.Box()
		if err != nil {
			a.logger.Debug("dropping detection with malformed box", "error", err)
			continue
		}
		box := pipeline.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
		if !box.Valid() {
			continue
		}

		if a.config.ROI.Enabled {
			if width <= 0 || height <= 0 {
				continue
			}
			cx, cy := box.Center()
			if !a.config.ROI.Contains(float64(cx)/float64(width), float64(cy)/float64(height)) {
				continue
			}
		}

		d := pipeline.Detection{
			ClassID:    r.ClassID,
			ClassName:  r.Class,
			Confidence: r.Confidence,
			Box:        box,
			Kind:       kind,
		}
		if kind == pipeline.KindStandard {
			standard = append(standard, d)
		} else {
			ambiguous = append(ambiguous, d)
		}
	}
	return standard, ambiguous
}

// requestThreshold is the lowest threshold any class needs
func (a *YOLOAdapter) requestThreshold() float32 {
	t := a.config.ConfThreshold
	if o := a.config.AmbiguousConfThreshold; o > 0 && o < t {
		t = o
	}
	return t
}

func frameJPEG(frame *pipeline.Frame) ([]byte, error) {
	if len(frame.JPEG) > 0 {
		return frame.JPEG, nil
	}
	if frame.Image == nil {
		return nil, errors.New("frame has neither JPEG data nor a decoded image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

var _ pipeline.SubjectDetector = (*YOLOAdapter)(nil)
