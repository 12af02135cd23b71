package detectors

import (
	"context"
	"log/slog"
	"time"

	plog "porchwatch/internal/log"
	"porchwatch/internal/pipeline"
)

// GateConfig configures the dual-pass classifier gate
type GateConfig struct {
	Timeout     time.Duration // Per-crop classifier deadline
	CropMaxSide int
}

// CostumeGate confirms ambiguous detections with a vision classifier.
// Standard detections pass through untouched.
type CostumeGate struct {
	classifier pipeline.Classifier
	config     GateConfig
	logger     *slog.Logger
}

// NewCostumeGate creates the gate. A nil classifier rejects every
// ambiguous detection.
func NewCostumeGate(classifier pipeline.Classifier, config GateConfig) *CostumeGate {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.CropMaxSide <= 0 {
		config.CropMaxSide = pipeline.DefaultCropMaxSide
	}
	return &CostumeGate{
		classifier: classifier,
		config:     config,
		logger:     plog.Component("costume_gate"),
	}
}

// Resolve returns the confirmed subjects of a frame: all standard
// detections followed by the accepted ambiguous ones.
func (g *CostumeGate) Resolve(ctx context.Context, standard, ambiguous []pipeline.Detection, frame *pipeline.Frame) []pipeline.Detection {
	confirmed := make([]pipeline.Detection, 0, len(standard)+len(ambiguous))
	confirmed = append(confirmed, standard...)

	if len(ambiguous) == 0 {
		return confirmed
	}
	if g.classifier == nil || frame == nil || frame.Image == nil {
		return confirmed
	}

	for _, d := range ambiguous {
		costume, ok := g.validate(ctx, d, frame)
		if !ok {
			continue
		}
		accepted := d
		accepted.Costume = costume
		confirmed = append(confirmed, accepted)
	}
	return confirmed
}

func (g *CostumeGate) validate(ctx context.Context, d pipeline.Detection, frame *pipeline.Frame) (*pipeline.Costume, bool) {
	crop, err := pipeline.CropJPEG(frame.Image, d.Box, g.config.CropMaxSide)
	if err != nil {
		g.logger.Debug("ambiguous detection has no usable crop", "frame_seq", frame.Seq, "error", err)
		return nil, false
	}

	cctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	costume, err := g.classifier.Classify(cctx, crop)
	if err != nil {
		g.logger.Warn("ambiguous detection rejected, classifier failed",
			"frame_seq", frame.Seq,
			"class_id", d.ClassID,
			"error", err)
		return nil, false
	}

	if !pipeline.AcceptsCostume(costume) {
		g.logger.Debug("ambiguous detection rejected",
			"frame_seq", frame.Seq,
			"class_id", d.ClassID,
			"label", costume.Label)
		return nil, false
	}

	g.logger.Info("costume confirmed",
		"frame_seq", frame.Seq,
		"class_id", d.ClassID,
		"label", costume.Label,
		"confidence", costume.Confidence)
	c := *costume
	return &c, true
}

var _ pipeline.SubjectResolver = (*CostumeGate)(nil)
