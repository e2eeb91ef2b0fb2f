// Package overlay renders slot verdicts on top of the analysed frame and
// publishes the result.
package overlay

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/geometry"
	"occupancy-service/internal/storage"
)

var (
	freeColor     = color.NRGBA{R: 0, G: 200, B: 0, A: 90}
	occupiedColor = color.NRGBA{R: 220, G: 0, B: 0, A: 90}
	boxColor      = color.NRGBA{R: 255, G: 210, B: 0, A: 255}
	labelColor    = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

type Options struct {
	MaxWidth    int
	JPEGQuality int
}

// Render draws slot polygons (green free, red occupied), detection boxes and
// slot labels. The source image is not modified.
func Render(src image.Image, slots []occupancy.Slot, verdicts []occupancy.SlotVerdict, detections []occupancy.Detection, opts Options) *image.NRGBA {
	dst := imaging.Clone(src)
	bounds := dst.Bounds()

	bySlot := make(map[string]occupancy.SlotVerdict, len(verdicts))
	for _, v := range verdicts {
		bySlot[v.SlotID] = v
	}

	for _, slot := range slots {
		fill := freeColor
		if bySlot[slot.ID].Occupied {
			fill = occupiedColor
		}
		fillPolygon(dst, slot.Polygon, fill)
	}

	for _, d := range detections {
		strokeBox(dst, d.Box, boxColor, 2)
	}

	for _, slot := range slots {
		c := slot.Polygon.Centroid()
		drawLabel(dst, slot.ID, int(c.X), int(c.Y))
	}

	if opts.MaxWidth > 0 && bounds.Dx() > opts.MaxWidth {
		return imaging.Resize(dst, opts.MaxWidth, 0, imaging.Lanczos)
	}
	return dst
}

func fillPolygon(dst *image.NRGBA, p geometry.Polygon, c color.NRGBA) {
	if len(p) < 3 {
		return
	}
	b := dst.Bounds()
	r := vector.NewRasterizer(b.Dx(), b.Dy())
	r.DrawOp = draw.Over
	r.MoveTo(float32(p[0].X), float32(p[0].Y))
	for _, pt := range p[1:] {
		r.LineTo(float32(pt.X), float32(pt.Y))
	}
	r.ClosePath()
	r.Draw(dst, b, image.NewUniform(c), image.Point{})
}

func strokeBox(dst *image.NRGBA, box geometry.Box, c color.NRGBA, width int) {
	x1, y1, x2, y2 := int(box.X1), int(box.Y1), int(box.X2), int(box.Y2)
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(x1, y1, x2, y1+width),
		image.Rect(x1, y2-width, x2, y2),
		image.Rect(x1, y1, x1+width, y2),
		image.Rect(x2-width, y1, x2, y2),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Over)
	}
}

func drawLabel(dst *image.NRGBA, text string, x, y int) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	x -= width / 2

	bg := image.Rect(x-2, y-11, x+width+2, y+4)
	draw.Draw(dst, bg.Intersect(dst.Bounds()), image.NewUniform(color.NRGBA{A: 160}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Uploader stores an encoded snapshot and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// Publisher renders a cycle and stores it remotely when an uploader is set,
// otherwise under LocalDir.
type Publisher struct {
	Uploader Uploader
	Prefix   string
	LocalDir string
	Options  Options
}

func (p *Publisher) Publish(ctx context.Context, cycle *occupancy.AnalysisCycle, frame image.Image, slots []occupancy.Slot, detections []occupancy.Detection) (string, error) {
	if frame == nil {
		return "", fmt.Errorf("no frame to annotate")
	}
	annotated := Render(frame, slots, cycle.Verdicts, detections, p.Options)
	data, err := EncodeJPEG(annotated, p.Options.JPEGQuality)
	if err != nil {
		return "", err
	}

	key := storage.SnapshotKey(p.Prefix, cycle.ViewID, cycle.Timestamp, cycle.ID.String())
	if p.Uploader != nil {
		return p.Uploader.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), "image/jpeg")
	}

	if p.LocalDir == "" {
		return "", storage.ErrNotConfigured
	}
	local := filepath.Join(p.LocalDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return local, nil
}
