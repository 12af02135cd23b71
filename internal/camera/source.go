// Package camera pulls frames from the doorbell video feed and samples them
// for the detection pipeline.
package camera

import (
	"context"
	"errors"
	"strings"
)

// ErrSourceClosed is returned once the sampler or source has been closed
var ErrSourceClosed = errors.New("frame source closed")

// FrameSource is a pull-based video source delivering encoded JPEG frames.
// Reconnecting is Close followed by Open.
type FrameSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// NewSource picks a source implementation for a device URL.
// HTTP image endpoints are polled, everything else goes through ffmpeg.
func NewSource(device string, opts SourceOptions) FrameSource {
	if isHTTPImageEndpoint(device) {
		return NewHTTPSource(device, opts)
	}
	return NewFFmpegSource(device, opts)
}

// SourceOptions are shared by the source implementations
type SourceOptions struct {
	FPS      int    // Output rate for ffmpeg, or polling rate for snapshots; 0 keeps the native rate
	Username string // Basic auth for snapshot endpoints
	Password string
}

// isHTTPImageEndpoint checks if the device is an HTTP still-image endpoint
func isHTTPImageEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") ||
			strings.Contains(device, ".cgi") || strings.Contains(device, "image"))
}

// redactURL hides credentials embedded in a stream URL for logging
func redactURL(device string) string {
	scheme := strings.Index(device, "://")
	at := strings.LastIndex(device, "@")
	if scheme < 0 || at < scheme {
		return device
	}
	return device[:scheme+3] + "***" + device[at:]
}
