package pipeline

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	personColor  = color.RGBA{0, 255, 0, 255}   // Green for standard subjects
	costumeColor = color.RGBA{255, 165, 0, 255} // Orange for validated costumes
)

// drawSubjects draws one labelled box per subject
func drawSubjects(img *image.RGBA, subjects []Detection) {
	for _, s := range subjects {
		r := s.Box.Rect(img.Bounds())
		if r.Empty() {
			continue
		}

		c := personColor
		label := fmt.Sprintf("person %.0f%%", s.Confidence*100)
		if s.Costume != nil {
			c = costumeColor
			label = fmt.Sprintf("%s %.0f%%", s.Costume.Label, s.Costume.Confidence*100)
		}

		drawBox(img, r.Min.X, r.Min.Y, r.Dx(), r.Dy(), c, 2)
		drawLabel(img, r.Min.X, r.Min.Y-15, label, c)
	}
}

// drawBox draws a rectangle on the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()

	for t := 0; t < thickness; t++ {
		// Top edge
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if y+t >= bounds.Min.Y && y+t < bounds.Max.Y && i >= bounds.Min.X {
				img.Set(i, y+t, c)
			}
		}
		// Bottom edge
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if y+h-1-t >= bounds.Min.Y && y+h-1-t < bounds.Max.Y && i >= bounds.Min.X {
				img.Set(i, y+h-1-t, c)
			}
		}
		// Left edge
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if x+t >= bounds.Min.X && x+t < bounds.Max.X && j >= bounds.Min.Y {
				img.Set(x+t, j, c)
			}
		}
		// Right edge
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if x+w-1-t >= bounds.Min.X && x+w-1-t < bounds.Max.X && j >= bounds.Min.Y {
				img.Set(x+w-1-t, j, c)
			}
		}
	}
}

// drawLabel draws text on a dark background
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bounds := img.Bounds()
	if y < bounds.Min.Y+2 {
		y = bounds.Min.Y + 2
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if (image.Point{px, py}).In(bounds) {
				img.Set(px, py, bgColor)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
