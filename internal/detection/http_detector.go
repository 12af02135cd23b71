package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	plog "porchwatch/internal/log"
)

// HTTPDetector calls a YOLO-style detection service over HTTP
type HTTPDetector struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	healthMu    sync.Mutex
	healthy     bool
	healthCheck time.Time
}

// NewHTTPDetector creates a detector client for endpoint.
// Detection must be sub-second for sampling to stay real time, hence the
// short timeout.
func NewHTTPDetector(endpoint string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDetector{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: plog.Component("detector").With("endpoint", endpoint),
	}
}

// IsHealthy checks if the detection service is available
func (d *HTTPDetector) IsHealthy(ctx context.Context) bool {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()

	// Cache health check for 30 seconds
	if d.healthy && time.Since(d.healthCheck) < 30*time.Second {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err != nil {
		d.healthy = false
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("health check failed", "error", err)
		d.healthy = false
		return false
	}
	defer resp.Body.Close()

	d.healthy = resp.StatusCode == http.StatusOK
	if d.healthy {
		d.healthCheck = time.Now()
	} else {
		d.logger.Warn("health check returned non-OK", "status", resp.StatusCode)
	}
	return d.healthy
}

// Infer posts the frame as multipart form data and decodes the detections
func (d *HTTPDetector) Infer(ctx context.Context, jpeg []byte, confThreshold float32) (*DetectionResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	// Add image file with proper Content-Type header
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(jpeg); err != nil {
		return nil, err
	}

	w.WriteField("conf_threshold", fmt.Sprintf("%.2f", confThreshold))
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.markUnhealthy()
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding detection response: %w", err)
	}
	return &result, nil
}

func (d *HTTPDetector) markUnhealthy() {
	d.healthMu.Lock()
	d.healthy = false
	d.healthMu.Unlock()
}

// Close drops idle keep-alive connections
func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

var _ ObjectDetector = (*HTTPDetector)(nil)
