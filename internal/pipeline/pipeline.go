package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	plog "porchwatch/internal/log"
)

// Config configures the main loop
type Config struct {
	DeviceID       string
	HealthInterval time.Duration // Periodic health log, disabled when 0
}

// Deps are the collaborators of the main loop, built once at startup.
// Sampler, Detector, Tracker, Composer and FanOut are required.
type Deps struct {
	Sampler    FrameSampler
	Detector   SubjectDetector
	Resolver   SubjectResolver // nil drops every ambiguous detection
	Tracker    *PresenceTracker
	Composer   *Composer
	FanOut     *FanOut
	Bus        *EventBus  // optional
	CaptureLog CaptureLog // optional
}

// SamplerStats is reported by samplers that track read health
type SamplerStats struct {
	FramesRead    uint64    `json:"frames_read"`
	FramesSampled uint64    `json:"frames_sampled"`
	ReadFailures  uint64    `json:"read_failures"`
	Reconnects    uint64    `json:"reconnects"`
	Connected     bool      `json:"connected"`
	ConnectedAt   time.Time `json:"connected_at"`
}

type samplerStatsProvider interface {
	Stats() SamplerStats
}

// PipelineStats holds main loop counters
type PipelineStats struct {
	DeviceID        string        `json:"device_id"`
	StartedAt       time.Time     `json:"started_at"`
	Uptime          string        `json:"uptime"`
	FramesProcessed uint64        `json:"frames_processed"`
	FramesPresent   uint64        `json:"frames_present"`
	DetectorErrors  uint64        `json:"detector_errors"`
	Captures        uint64        `json:"captures"`
	CaptureFailures uint64        `json:"capture_failures"`
	RecordsStored   uint64        `json:"records_stored"`
	LastCaptureAt   *time.Time    `json:"last_capture_at,omitempty"`
	Presence        PresenceState `json:"presence"`
	Sampler         *SamplerStats `json:"sampler,omitempty"`
}

// Pipeline drives sampled frames through detection, presence tracking,
// capture and fan-out. One frame is fully processed before the next is read.
type Pipeline struct {
	config Config
	deps   Deps
	logger *slog.Logger

	stats   PipelineStats
	statsMu sync.RWMutex

	lastHealth time.Time
}

// New creates the pipeline
func New(config Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Sampler == nil:
		return nil, errors.New("pipeline: sampler is required")
	case deps.Detector == nil:
		return nil, errors.New("pipeline: detector is required")
	case deps.Tracker == nil:
		return nil, errors.New("pipeline: presence tracker is required")
	case deps.Composer == nil:
		return nil, errors.New("pipeline: composer is required")
	case deps.FanOut == nil:
		return nil, errors.New("pipeline: fan-out is required")
	}

	now := time.Now()
	return &Pipeline{
		config: config,
		deps:   deps,
		logger: plog.Component("pipeline").With("device_id", config.DeviceID),
		stats: PipelineStats{
			DeviceID:  config.DeviceID,
			StartedAt: now,
			Presence:  deps.Tracker.State(),
		},
		lastHealth: now,
	}, nil
}

// Run pulls frames until ctx is done or the sampler is closed.
// Per-frame failures are logged and never end the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("processing loop started")
	defer p.logger.Info("processing loop stopped")

	for {
		frame, err := p.deps.Sampler.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sampler: %w", err)
		}

		p.ProcessFrame(ctx, frame)
		p.maybeLogHealth(time.Now())
	}
}

// ProcessFrame runs one sampled frame through every stage.
// It returns the capture report when the frame completed a presence episode.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame *Frame) *CaptureReport {
	confirmed := p.confirmedSubjects(ctx, frame)
	present := len(confirmed) > 0

	tr := p.deps.Tracker.Observe(frame.Timestamp, present, confirmed)

	p.statsMu.Lock()
	p.stats.FramesProcessed++
	if present {
		p.stats.FramesPresent++
	}
	p.stats.Presence = p.deps.Tracker.State()
	p.statsMu.Unlock()

	if tr.Changed() {
		p.logger.Info("presence transition",
			"from", tr.From,
			"to", tr.To,
			"frame_seq", frame.Seq,
			"subjects", len(confirmed))
	}

	if tr.Event == nil {
		return nil
	}

	tr.Event.FrameSeq = frame.Seq
	return p.capture(ctx, tr.Event, frame)
}

// confirmedSubjects detects and resolves subjects. Any failure means no
// subjects for this frame.
func (p *Pipeline) confirmedSubjects(ctx context.Context, frame *Frame) []Detection {
	if frame.Image == nil {
		img, _, err := image.Decode(bytes.NewReader(frame.JPEG))
		if err != nil {
			p.countDetectorError()
			p.logger.Warn("frame decode failed", "error", err, "frame_seq", frame.Seq)
			return nil
		}
		frame.Image = img
	}

	standard, ambiguous, err := p.deps.Detector.Detect(ctx, frame)
	if err != nil {
		p.countDetectorError()
		p.logger.Warn("detector failed, treating frame as empty", "error", err, "frame_seq", frame.Seq)
		return nil
	}

	if p.deps.Resolver == nil {
		return standard
	}
	return p.deps.Resolver.Resolve(ctx, standard, ambiguous, frame)
}

func (p *Pipeline) countDetectorError() {
	p.statsMu.Lock()
	p.stats.DetectorErrors++
	p.statsMu.Unlock()
}

func (p *Pipeline) capture(ctx context.Context, event *CaptureEvent, frame *Frame) *CaptureReport {
	id := uuid.NewString()
	p.logger.Info("capture event",
		"capture_id", id,
		"event_ts", event.Timestamp,
		"frame_seq", event.FrameSeq,
		"subjects", len(event.Subjects))

	var report *CaptureReport
	capture, err := p.deps.Composer.Compose(event, frame)
	if err != nil {
		// The tracker already moved to cooldown; this capture is lost
		p.logger.Error("capture compose failed",
			"error", err,
			"capture_id", id,
			"event_ts", event.Timestamp,
			"frame_seq", event.FrameSeq)
		report = &CaptureReport{
			DeviceID:  p.config.DeviceID,
			Timestamp: event.Timestamp,
			FrameSeq:  event.FrameSeq,
			Status:    CaptureComposeFailed,
			Error:     err.Error(),
		}
	} else {
		report = p.deps.FanOut.Run(ctx, capture, frame)
	}
	report.ID = id

	now := time.Now()
	p.statsMu.Lock()
	p.stats.Captures++
	if report.Status == CaptureComposeFailed {
		p.stats.CaptureFailures++
	}
	p.stats.RecordsStored += uint64(report.StoredCount())
	p.stats.LastCaptureAt = &now
	p.statsMu.Unlock()

	if p.deps.CaptureLog != nil {
		if err := p.deps.CaptureLog.RecordCapture(report); err != nil {
			p.logger.Error("failed to record capture", "error", err, "capture_id", id)
		}
	}
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(report)
	}

	p.logger.Info("capture finished",
		"capture_id", id,
		"status", report.Status,
		"stored", report.StoredCount(),
		"subjects", len(report.Outcomes),
		"cleaned", report.Cleaned)
	return report
}

// Stats returns a snapshot of the loop counters
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.RLock()
	stats := p.stats
	p.statsMu.RUnlock()

	stats.Uptime = time.Since(stats.StartedAt).Round(time.Second).String()
	if stats.LastCaptureAt != nil {
		t := *stats.LastCaptureAt
		stats.LastCaptureAt = &t
	}
	if sp, ok := p.deps.Sampler.(samplerStatsProvider); ok {
		s := sp.Stats()
		stats.Sampler = &s
	}
	return stats
}

func (p *Pipeline) maybeLogHealth(now time.Time) {
	if p.config.HealthInterval <= 0 || now.Sub(p.lastHealth) < p.config.HealthInterval {
		return
	}
	p.lastHealth = now

	stats := p.Stats()
	attrs := []any{
		"uptime", stats.Uptime,
		"frames_processed", stats.FramesProcessed,
		"frames_present", stats.FramesPresent,
		"detector_errors", stats.DetectorErrors,
		"captures", stats.Captures,
		"records_stored", stats.RecordsStored,
		"phase", stats.Presence.Phase,
	}
	if s := stats.Sampler; s != nil {
		attrs = append(attrs,
			"frames_read", s.FramesRead,
			"read_failures", s.ReadFailures,
			"reconnects", s.Reconnects,
			"connected", s.Connected)
	}
	p.logger.Info("health", attrs...)
}
