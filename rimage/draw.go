package rimage

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/golang/geo/r2"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font/gofont/goregular"
)

var font *truetype.Font

// init sets up the fonts we want to use.
func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Font returns the font we use for drawing.
func Font() *truetype.Font {
	return font
}

// NewContextFromGray returns a drawing context with the gray image as background.
func NewContextFromGray(g *GrayImage) *gg.Context {
	return gg.NewContextForImage(g.ToGray())
}

// DrawString writes a string to the given context at a particular point.
func DrawString(dc *gg.Context, text string, p image.Point, c color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(Font(), &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawStringWrapped(text, float64(p.X), float64(p.Y), 0, 0, float64(dc.Width()), 1, 0)
}

// DrawRectangleEmpty draws the outline of the given rectangle into the context.
func DrawRectangleEmpty(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}

// DrawCross draws a small plus sign centered on a sub-pixel location.
func DrawCross(dc *gg.Context, p r2.Point, halfSize float64, c color.Color) {
	dc.SetColor(c)
	dc.SetLineWidth(1)
	dc.DrawLine(p.X-halfSize, p.Y, p.X+halfSize, p.Y)
	dc.DrawLine(p.X, p.Y-halfSize, p.X, p.Y+halfSize)
	dc.Stroke()
}

// QualityColor maps a ratio in [0, 1] onto a red to green hue.
func QualityColor(ratio float64) color.Color {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return colorful.Hsv(120*ratio, 1, 1)
}
