package ws

import (
	"encoding/base64"
	"time"

	"porchwatch/internal/pipeline"
)

// CaptureMessage is the websocket payload for one capture
type CaptureMessage struct {
	Type      string                    `json:"type"` // "capture"
	CaptureID string                    `json:"capture_id"`
	DeviceID  string                    `json:"device_id"`
	Timestamp time.Time                 `json:"timestamp"`
	Status    pipeline.CaptureStatus    `json:"status"`
	Subjects  []pipeline.SubjectOutcome `json:"subjects"`
	Image     string                    `json:"image,omitempty"` // Base64 encoded redacted JPEG
}

// StatusMessage is sent once when a client connects
type StatusMessage struct {
	Type      string    `json:"type"` // "hello"
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewCaptureMessage builds the message for a capture report. The image is
// attached only when includeImage is set.
func NewCaptureMessage(report *pipeline.CaptureReport, includeImage bool) *CaptureMessage {
	msg := &CaptureMessage{
		Type:      "capture",
		CaptureID: report.ID,
		DeviceID:  report.DeviceID,
		Timestamp: report.Timestamp,
		Status:    report.Status,
		Subjects:  report.Outcomes,
	}
	if msg.Subjects == nil {
		msg.Subjects = []pipeline.SubjectOutcome{}
	}
	if includeImage && len(report.Image) > 0 {
		msg.Image = base64.StdEncoding.EncodeToString(report.Image)
	}
	return msg
}
