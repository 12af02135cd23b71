package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	plog "porchwatch/internal/log"
)

// CaptureTimeLayout formats capture timestamps in filenames and storage keys
const CaptureTimeLayout = "20060102_150405"

// CaptureFilename derives the local image name from the capture time.
// Equal timestamps always give equal names.
func CaptureFilename(ts time.Time, loc *time.Location) string {
	if loc != nil {
		ts = ts.In(loc)
	}
	return "detection_" + ts.Format(CaptureTimeLayout) + ".jpg"
}

// ComposerConfig configures the capture composer
type ComposerConfig struct {
	Dir      string         // Directory for redacted captures
	Location *time.Location // Timezone for filenames, UTC when nil
	Quality  int            // JPEG quality, 90 when 0
}

// Capture is a composed, redacted, persisted capture awaiting fan-out
type Capture struct {
	Event    *CaptureEvent
	Path     string    // Local redacted image
	JPEG     []byte    // Redacted image bytes as written
	Subjects []Subject // One per event subject, in event order
	Redacted int       // Regions blurred
}

// Composer turns a capture event into a redacted image on disk
type Composer struct {
	config   ComposerConfig
	redactor Redactor
	logger   *slog.Logger
}

// NewComposer creates a composer. A nil redactor writes unredacted images
// and is only meant for tests and tooling.
func NewComposer(config ComposerConfig, redactor Redactor) *Composer {
	if config.Quality <= 0 {
		config.Quality = 90
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	c := &Composer{
		config:   config,
		redactor: redactor,
		logger:   plog.Component("composer"),
	}
	if redactor == nil {
		c.logger.Warn("no redactor configured, captures will not be redacted")
	}
	return c
}

// Filename returns the capture filename for ts in the configured timezone
func (c *Composer) Filename(ts time.Time) string {
	return CaptureFilename(ts, c.config.Location)
}

// Compose redacts a copy of the frame, draws subject overlays and writes
// the result. Any failure aborts this capture; the original frame is
// never modified.
func (c *Composer) Compose(event *CaptureEvent, frame *Frame) (*Capture, error) {
	if event == nil {
		return nil, errors.New("nil capture event")
	}
	if frame == nil || frame.Image == nil {
		return nil, errors.New("capture frame is not decoded")
	}

	bounds := frame.Image.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, frame.Image, bounds.Min, draw.Src)

	redacted := 0
	if c.redactor != nil {
		regions := make([]image.Rectangle, 0, len(event.Subjects))
		for _, s := range event.Subjects {
			if r := s.Box.Rect(bounds); !r.Empty() {
				regions = append(regions, r)
			}
		}
		n, err := c.redactor.Redact(canvas, regions)
		if err != nil {
			// Never persist an image that failed redaction
			return nil, fmt.Errorf("redact capture: %w", err)
		}
		redacted = n
	}

	drawSubjects(canvas, event.Subjects)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: c.config.Quality}); err != nil {
		return nil, fmt.Errorf("encode capture: %w", err)
	}

	if err := os.MkdirAll(c.config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	path := filepath.Join(c.config.Dir, c.Filename(event.Timestamp))
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("write capture %s: %w", path, err)
	}

	subjects := make([]Subject, len(event.Subjects))
	for i, d := range event.Subjects {
		subjects[i] = SubjectFromDetection(i, d)
	}

	c.logger.Info("capture written",
		"path", path,
		"subjects", len(subjects),
		"redacted", redacted,
		"frame_seq", event.FrameSeq)

	return &Capture{
		Event:    event,
		Path:     path,
		JPEG:     buf.Bytes(),
		Subjects: subjects,
		Redacted: redacted,
	}, nil
}
