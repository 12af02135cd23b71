package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	plog "porchwatch/internal/log"
)

// maxSnapshotSize bounds a single snapshot download
const maxSnapshotSize = 16 << 20

// HTTPSource polls a still-image endpoint such as a doorbell snapshot CGI
type HTTPSource struct {
	url      string
	opts     SourceOptions
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	open     bool
	lastRead time.Time
}

// NewHTTPSource creates a polling snapshot source
func NewHTTPSource(url string, opts SourceOptions) *HTTPSource {
	interval := time.Second
	if opts.FPS > 0 {
		interval = time.Second / time.Duration(opts.FPS)
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &HTTPSource{
		url:      url,
		opts:     opts,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		logger:   plog.Component("camera").With("source", redactURL(url)),
	}
}

// Open verifies the endpoint answers with an image
func (s *HTTPSource) Open(ctx context.Context) error {
	if _, err := s.fetch(ctx); err != nil {
		return fmt.Errorf("snapshot endpoint unavailable: %w", err)
	}

	s.mu.Lock()
	s.open = true
	s.lastRead = time.Time{}
	s.mu.Unlock()

	s.logger.Info("snapshot source opened", "interval", s.interval)
	return nil
}

// Read waits for the next polling slot and fetches one image
func (s *HTTPSource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	open := s.open
	wait := s.interval - time.Since(s.lastRead)
	s.mu.Unlock()

	if !open {
		return nil, ErrSourceClosed
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	frame, err := s.fetch(ctx)

	s.mu.Lock()
	s.lastRead = time.Now()
	s.mu.Unlock()

	return frame, err
}

func (s *HTTPSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned status %d", resp.StatusCode)
	}

	frame, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	if len(frame) < 4 || frame[0] != 0xFF || frame[1] != 0xD8 {
		return nil, errors.New("snapshot is not a JPEG image")
	}
	return frame, nil
}

// Close stops polling
func (s *HTTPSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}
