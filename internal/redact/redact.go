// Package redact blurs faces or whole subjects out of capture images before
// they are written anywhere.
package redact

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"os"
	"sync"

	"gocv.io/x/gocv"

	plog "porchwatch/internal/log"
	"porchwatch/internal/pipeline"
)

// Mode selects what gets blurred
type Mode string

const (
	// ModeFaces blurs faces found by a Haar cascade
	ModeFaces Mode = "faces"
	// ModeSubjects blurs every subject box
	ModeSubjects Mode = "subjects"
)

// Config configures the redactor
type Config struct {
	Mode        Mode
	CascadePath string  // haarcascade_frontalface_default.xml, faces mode only
	Padding     float64 // Fraction of the face size added on each side
	Kernel      int     // Gaussian kernel size, forced odd
}

// DefaultConfig returns face redaction defaults
func DefaultConfig() Config {
	return Config{
		Mode:        ModeFaces,
		CascadePath: "/usr/share/opencv4/haarcascades/haarcascade_frontalface_default.xml",
		Padding:     0.2,
		Kernel:      51,
	}
}

const subjectsKernel = 33

// Redactor blurs regions of an image in place using OpenCV
type Redactor struct {
	config  Config
	cascade gocv.CascadeClassifier
	mu      sync.Mutex // Protects cascade
	logger  *slog.Logger
}

// New creates a redactor. Faces mode fails when the cascade cannot be loaded
// so a misconfigured deployment never writes unredacted images.
func New(config Config) (*Redactor, error) {
	if config.Mode == "" {
		config.Mode = ModeFaces
	}
	if config.Padding < 0 {
		return nil, fmt.Errorf("padding must not be negative, got %v", config.Padding)
	}
	if config.Kernel <= 0 {
		if config.Mode == ModeSubjects {
			config.Kernel = subjectsKernel
		} else {
			config.Kernel = 51
		}
	}
	config.Kernel = oddKernel(config.Kernel)

	r := &Redactor{
		config: config,
		logger: plog.Component("redact"),
	}

	switch config.Mode {
	case ModeFaces:
		if _, err := os.Stat(config.CascadePath); err != nil {
			return nil, fmt.Errorf("face cascade not found: %w", err)
		}
		r.cascade = gocv.NewCascadeClassifier()
		if !r.cascade.Load(config.CascadePath) {
			r.cascade.Close()
			return nil, fmt.Errorf("failed to load face cascade %s", config.CascadePath)
		}
	case ModeSubjects:
	default:
		return nil, fmt.Errorf("unknown redaction mode %q", config.Mode)
	}

	r.logger.Info("redactor ready", "mode", config.Mode, "kernel", config.Kernel)
	return r, nil
}

// Redact blurs the image in place and returns how many regions were blurred.
// In faces mode subjects are ignored and the whole frame is searched.
func (r *Redactor) Redact(img *image.RGBA, subjects []image.Rectangle) (int, error) {
	if img == nil {
		return 0, errors.New("nil image")
	}

	mat, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return 0, fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()

	var regions []image.Rectangle
	if r.config.Mode == ModeSubjects {
		regions = subjects
	} else {
		faces := r.detectFaces(mat)
		regions = make([]image.Rectangle, 0, len(faces))
		for _, f := range faces {
			regions = append(regions, PadRect(f, r.config.Padding, img.Bounds()))
		}
	}

	blurred := 0
	for _, region := range regions {
		region = region.Intersect(img.Bounds())
		if region.Empty() {
			continue
		}
		if err := r.blur(mat, img, region); err != nil {
			return blurred, err
		}
		blurred++
	}

	if blurred > 0 {
		r.logger.Debug("regions blurred", "count", blurred, "mode", r.config.Mode)
	}
	return blurred, nil
}

func (r *Redactor) detectFaces(mat gocv.Mat) []image.Rectangle {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBAToGray)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cascade.DetectMultiScaleWithParams(gray, 1.1, 5, 0, image.Pt(30, 30), image.Point{})
}

// blur runs a Gaussian blur over region of mat and writes it back into img
func (r *Redactor) blur(mat gocv.Mat, img *image.RGBA, region image.Rectangle) error {
	roi := mat.Region(region)
	src := roi.Clone()
	roi.Close()
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	k := r.config.Kernel
	gocv.GaussianBlur(src, &dst, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	out, err := dst.ToImage()
	if err != nil {
		return fmt.Errorf("convert blurred region: %w", err)
	}
	draw.Draw(img, region, out, out.Bounds().Min, draw.Src)
	return nil
}

// Close releases the cascade
func (r *Redactor) Close() error {
	if r.config.Mode == ModeFaces {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.cascade.Close()
	}
	return nil
}

// PadRect grows rect by padding times its size on each side, clamped to bounds
func PadRect(rect image.Rectangle, padding float64, bounds image.Rectangle) image.Rectangle {
	pw := int(float64(rect.Dx()) * padding)
	ph := int(float64(rect.Dy()) * padding)
	return image.Rect(rect.Min.X-pw, rect.Min.Y-ph, rect.Max.X+pw, rect.Max.Y+ph).Intersect(bounds)
}

func oddKernel(k int) int {
	if k%2 == 0 {
		return k + 1
	}
	return k
}

var _ pipeline.Redactor = (*Redactor)(nil)
