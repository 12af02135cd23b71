package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	plog "porchwatch/internal/log"
	"porchwatch/internal/pipeline"
)

// SamplerConfig configures frame sampling and reconnection
type SamplerConfig struct {
	Stride            int           // Every Nth frame read is handed to the pipeline
	ReconnectInterval time.Duration // Forced reconnect after this long, 0 disables
	ReadFailureDelay  time.Duration // Pause after a failed read before reconnecting
	Reconnect         ReconnectConfig
}

// DefaultSamplerConfig returns the default sampling configuration
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Stride:            30,
		ReconnectInterval: time.Hour,
		ReadFailureDelay:  2 * time.Second,
		Reconnect:         DefaultReconnectConfig(),
	}
}

// Sampler owns the video source and delivers every Stride-th frame.
// Read failures are absorbed by reconnecting; only Close or ctx end Next.
type Sampler struct {
	source FrameSource
	config SamplerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex // Serializes source open/close
	openedAt time.Time
	raw      uint64
	seq      uint64

	closed      atomic.Bool
	closeCtx    context.Context
	closeCancel context.CancelFunc

	stats   pipeline.SamplerStats
	statsMu sync.RWMutex
}

// NewSampler creates a sampler around source
func NewSampler(source FrameSource, config SamplerConfig) *Sampler {
	if config.Stride < 1 {
		config.Stride = 1
	}
	if config.Reconnect.RetryDelay <= 0 {
		config.Reconnect.RetryDelay = time.Second
	}
	closeCtx, closeCancel := context.WithCancel(context.Background())
	return &Sampler{
		source:      source,
		config:      config,
		logger:      plog.Component("sampler"),
		now:         time.Now,
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
	}
}

// Open connects the source once. A failure here is a startup failure and is
// not retried.
func (s *Sampler) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSourceClosed
	}
	if err := s.source.Open(ctx); err != nil {
		return fmt.Errorf("opening video source: %w", err)
	}
	s.markConnected()
	s.logger.Info("video source opened", "stride", s.config.Stride)
	return nil
}

// Next returns the next sampled frame in arrival order
func (s *Sampler) Next(ctx context.Context) (*pipeline.Frame, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.closeCtx, cancel)
	defer stop()

	for {
		if s.closed.Load() {
			return nil, ErrSourceClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if s.config.ReconnectInterval > 0 && s.now().Sub(s.openedAt) >= s.config.ReconnectInterval {
			s.logger.Info("periodic reconnect", "connected_for", s.now().Sub(s.openedAt).Round(time.Second))
			if err := s.reconnect(ctx); err != nil {
				return nil, s.terminalError(err)
			}
		}

		data, err := s.source.Read(ctx)
		if err != nil {
			if s.closed.Load() {
				return nil, ErrSourceClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			s.statsMu.Lock()
			s.stats.ReadFailures++
			s.stats.Connected = false
			s.statsMu.Unlock()
			s.logger.Warn("frame read failed, reconnecting", "error", err)

			if !sleepCtx(ctx, s.config.ReadFailureDelay) {
				return nil, s.terminalError(ctx.Err())
			}
			if err := s.reconnect(ctx); err != nil {
				return nil, s.terminalError(err)
			}
			continue
		}

		s.raw++
		s.statsMu.Lock()
		s.stats.FramesRead++
		s.statsMu.Unlock()

		if s.raw%uint64(s.config.Stride) != 0 {
			continue
		}

		s.seq++
		s.statsMu.Lock()
		s.stats.FramesSampled++
		s.statsMu.Unlock()

		return &pipeline.Frame{
			Seq:       s.seq,
			Timestamp: s.now(),
			JPEG:      data,
		}, nil
	}
}

// reconnect tears down the source and reopens it with backoff. An exhausted
// backoff cycle is logged and started over, so only ctx or Close end it.
func (s *Sampler) reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSourceClosed
	}

	if err := s.source.Close(); err != nil {
		s.logger.Warn("error closing video source", "error", err)
	}

	var attempts int
	for {
		n, err := runWithReconnect(ctx, s.source.Open, s.config.Reconnect, s.logger)
		attempts += n
		var exceeded *RetriesExceededError
		if !errors.As(err, &exceeded) {
			if err != nil {
				return err
			}
			break
		}
		// Camera still down, start a fresh cycle
		s.logger.Error("reconnect attempts exhausted, restarting backoff",
			"attempts", attempts, "error", exceeded.Last)
		if !sleepCtx(ctx, s.config.Reconnect.MaxRetryDelay) {
			return ctx.Err()
		}
		if s.closed.Load() {
			return ErrSourceClosed
		}
	}
	if s.closed.Load() {
		s.source.Close()
		return ErrSourceClosed
	}

	s.markConnected()
	s.statsMu.Lock()
	s.stats.Reconnects++
	s.statsMu.Unlock()
	s.logger.Info("video source reconnected", "attempts", attempts)
	return nil
}

// markConnected must be called with s.mu held
func (s *Sampler) markConnected() {
	s.openedAt = s.now()
	s.statsMu.Lock()
	s.stats.Connected = true
	s.stats.ConnectedAt = s.openedAt
	s.statsMu.Unlock()
}

func (s *Sampler) terminalError(err error) error {
	if s.closed.Load() {
		return ErrSourceClosed
	}
	return err
}

// Stats returns sampler counters
func (s *Sampler) Stats() pipeline.SamplerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// Close releases the video source and unblocks Next. Safe to call more
// than once and from another goroutine.
func (s *Sampler) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.closeCancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.Connected = false
	s.statsMu.Unlock()

	if err := s.source.Close(); err != nil && !errors.Is(err, ErrSourceClosed) {
		return fmt.Errorf("closing video source: %w", err)
	}
	s.logger.Info("video source released")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
