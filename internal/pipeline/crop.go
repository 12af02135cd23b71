package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// ErrEmptyCrop is returned when a box does not overlap the frame
var ErrEmptyCrop = errors.New("crop region is empty")

// DefaultCropMaxSide bounds the longest side of a crop sent to the classifier
const DefaultCropMaxSide = 1024

// CropJPEG cuts box out of img and encodes it as JPEG.
// The box is clamped to the image first. Crops whose longest side exceeds
// maxSide are downscaled preserving aspect ratio; maxSide <= 0 disables that.
func CropJPEG(img image.Image, box BBox, maxSide int) ([]byte, error) {
	if img == nil {
		return nil, errors.New("no decoded frame to crop from")
	}

	r := box.Rect(img.Bounds())
	if r.Empty() {
		return nil, ErrEmptyCrop
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)

	var out image.Image = dst
	if w, h := scaledSize(r.Dx(), r.Dy(), maxSide); w != r.Dx() || h != r.Dy() {
		scaled := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), dst, dst.Bounds(), draw.Src, nil)
		out = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

func scaledSize(w, h, maxSide int) (int, int) {
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return w, h
	}
	if w >= h {
		nh := h * maxSide / w
		if nh < 1 {
			nh = 1
		}
		return maxSide, nh
	}
	nw := w * maxSide / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxSide
}
