// Package render provides render sinks that paint the room grid into an
// in-memory image.
package render

import (
	"image"
	"image/png"
	"io"
	"sync"

	"collabpixel/internal/grid"
	"collabpixel/internal/pixel"
)

// Image paints cells into an RGBA image, one pixel per cell. It is safe to
// read while the room loop writes.
type Image struct {
	mu       sync.RWMutex
	img      *image.RGBA
	repaints int
	cells    int
}

// NewImage returns a size×size image filled with the background color.
func NewImage(size int) *Image {
	im := &Image{img: image.NewRGBA(image.Rect(0, 0, size, size))}
	im.clear()
	return im
}

func (im *Image) clear() {
	bg := pixel.Background.RGBA()
	b := im.img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			im.img.SetRGBA(x, y, bg)
		}
	}
}

func (im *Image) OnCell(x, y int, c pixel.Color) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.img.SetRGBA(x, y, c.RGBA())
	im.cells++
}

func (im *Image) OnFullRepaint(g grid.Snapshot) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if g.Size() != im.img.Bounds().Dx() {
		im.img = image.NewRGBA(image.Rect(0, 0, g.Size(), g.Size()))
	}
	im.clear()
	for _, c := range g.Cells() {
		im.img.SetRGBA(c.X, c.Y, c.Color.RGBA())
	}
	im.repaints++
}

// Color reads back one cell.
func (im *Image) Color(x, y int) pixel.Color {
	im.mu.RLock()
	defer im.mu.RUnlock()
	c := im.img.RGBAAt(x, y)
	return pixel.Color(hex(c.R, c.G, c.B))
}

// Repaints and Cells count the sink calls received so far.
func (im *Image) Repaints() int {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.repaints
}

func (im *Image) Cells() int {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.cells
}

// WritePNG encodes the current image.
func (im *Image) WritePNG(w io.Writer) error {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return png.Encode(w, im.img)
}

func hex(r, g, b uint8) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{'#',
		digits[r>>4], digits[r&0xF],
		digits[g>>4], digits[g&0xF],
		digits[b>>4], digits[b&0xF],
	})
}
