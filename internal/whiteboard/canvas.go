package whiteboard

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"
	"strings"

	"github.com/mossy-p/lesson-room/internal/models"
	"golang.org/x/image/colornames"
	"golang.org/x/image/vector"
)

// Background is the colour of an empty board. The eraser paints with it.
var Background = colornames.White

// discSides is how many edges approximate a round cap or join.
const discSides = 16

// Canvas is a raster surface strokes are painted onto. Painting is
// deterministic: the same strokes in the same order give identical pixels.
type Canvas struct {
	img *image.RGBA
	r   *vector.Rasterizer
}

func NewCanvas(width, height int) *Canvas {
	c := &Canvas{
		img: image.NewRGBA(image.Rect(0, 0, width, height)),
		r:   vector.NewRasterizer(width, height),
	}
	c.Wipe()
	return c
}

func (c *Canvas) Bounds() image.Rectangle { return c.img.Bounds() }

// Wipe fills the canvas with the background colour.
func (c *Canvas) Wipe() {
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)
}

// Resized returns a canvas of the new size carrying over the pixels that
// still fit.
func (c *Canvas) Resized(width, height int) *Canvas {
	next := NewCanvas(width, height)
	draw.Draw(next.img, c.img.Bounds().Intersect(next.img.Bounds()), c.img, image.Point{}, draw.Src)
	return next
}

// Snapshot copies the current pixels.
func (c *Canvas) Snapshot() *image.RGBA {
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}

// Paint rasterizes the polyline through pts with round caps and joins.
// Fewer than two points paint nothing.
func (c *Canvas) Paint(s *models.Stroke, pts []models.Point) {
	if len(pts) < 2 {
		return
	}
	col := ParseColor(s.Color)
	if s.Tool == models.ToolEraser {
		col = Background
	}
	half := s.Width / 2
	if half <= 0 {
		half = 0.5
	}

	b := c.img.Bounds()
	c.r.Reset(b.Dx(), b.Dy())
	c.r.DrawOp = draw.Over
	for i, p := range pts {
		c.polygon(disc(p, half))
		if i > 0 {
			if q := segment(pts[i-1], p, half); q != nil {
				c.polygon(q)
			}
		}
	}
	c.r.Draw(c.img, b, image.NewUniform(col), image.Point{})
}

// polygon adds a closed path to the rasterizer. Every path is wound the
// same way so overlapping shapes accumulate instead of cancelling.
func (c *Canvas) polygon(pts [][2]float64) {
	var area float64
	for i := range pts {
		j := (i + 1) % len(pts)
		area += pts[i][0]*pts[j][1] - pts[j][0]*pts[i][1]
	}
	if area < 0 {
		for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
			pts[i], pts[j] = pts[j], pts[i]
		}
	}

	b := c.img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	for i, p := range pts {
		x := float32(clamp(p[0], 0, w))
		y := float32(clamp(p[1], 0, h))
		if i == 0 {
			c.r.MoveTo(x, y)
		} else {
			c.r.LineTo(x, y)
		}
	}
	c.r.ClosePath()
}

func disc(p models.Point, r float64) [][2]float64 {
	out := make([][2]float64, discSides)
	for i := range out {
		a := 2 * math.Pi * float64(i) / discSides
		out[i] = [2]float64{p.X + r*math.Cos(a), p.Y + r*math.Sin(a)}
	}
	return out
}

// segment is the rectangle of half-width r around a to b, or nil when the
// two points coincide.
func segment(a, b models.Point, r float64) [][2]float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	l := math.Hypot(dx, dy)
	if l == 0 {
		return nil
	}
	nx, ny := -dy/l*r, dx/l*r
	return [][2]float64{
		{a.X + nx, a.Y + ny},
		{b.X + nx, b.Y + ny},
		{b.X - nx, b.Y - ny},
		{a.X - nx, a.Y - ny},
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ParseColor accepts a CSS colour name or #rgb / #rrggbb. Anything else is
// black.
func ParseColor(s string) color.RGBA {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := colornames.Map[s]; ok {
		return c
	}
	hex, ok := strings.CutPrefix(s, "#")
	if !ok {
		return colornames.Black
	}
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return colornames.Black
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return colornames.Black
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}
