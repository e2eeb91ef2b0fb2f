package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/geometry"
	"occupancy-service/internal/storage"
)

func whiteFrame(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

func square(x, y, size float64) geometry.Polygon {
	return geometry.Polygon{{X: x, Y: y}, {X: x + size, Y: y}, {X: x + size, Y: y + size}, {X: x, Y: y + size}}
}

var (
	testSlots = []occupancy.Slot{
		{ID: "slot_1", Polygon: square(0, 0, 100)},
		{ID: "slot_2", Polygon: square(100, 0, 100)},
	}
	testVerdicts = []occupancy.SlotVerdict{
		{SlotID: "slot_1", Occupied: true, MaxOverlap: 0.64},
		{SlotID: "slot_2"},
	}
	testDetections = []occupancy.Detection{
		{Box: geometry.Box{X1: 10, Y1: 10, X2: 90, Y2: 90}, Confidence: 0.9, ClassID: 2},
	}
)

func TestRenderColors(t *testing.T) {
	src := whiteFrame(200, 100)
	out := Render(src, testSlots, testVerdicts, testDetections, Options{})

	occupied := out.NRGBAAt(20, 80)
	if !(occupied.R > occupied.G && occupied.R > occupied.B) {
		t.Errorf("occupied slot pixel = %v, want red tint", occupied)
	}
	free := out.NRGBAAt(180, 80)
	if !(free.G > free.R && free.G > free.B) {
		t.Errorf("free slot pixel = %v, want green tint", free)
	}
	edge := out.NRGBAAt(50, 11)
	if edge != boxColor {
		t.Errorf("detection edge pixel = %v, want %v", edge, boxColor)
	}
	if src.NRGBAAt(20, 80) != (color.NRGBA{255, 255, 255, 255}) {
		t.Errorf("Render() modified the source frame")
	}
}

func TestRenderResizes(t *testing.T) {
	out := Render(whiteFrame(400, 200), testSlots, testVerdicts, nil, Options{MaxWidth: 100})
	if out.Bounds().Dx() != 100 || out.Bounds().Dy() != 50 {
		t.Errorf("Render() size = %v, want 100x50", out.Bounds())
	}
}

type fakeUploader struct {
	key         string
	contentType string
	data        []byte
}

func (f *fakeUploader) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.key, f.contentType, f.data = key, contentType, data
	return "https://cdn.example/" + key, nil
}

func testCycle() *occupancy.AnalysisCycle {
	return &occupancy.AnalysisCycle{
		ID:        uuid.MustParse("6f1c4d2e-0b1a-4c8e-9d7f-2a3b4c5d6e7f"),
		ViewID:    "view_a",
		Timestamp: time.Date(2026, 6, 1, 9, 15, 0, 0, time.UTC),
		Verdicts:  testVerdicts,
	}
}

func TestPublishUpload(t *testing.T) {
	up := &fakeUploader{}
	p := &Publisher{Uploader: up, Prefix: "occupancy", Options: Options{JPEGQuality: 70}}

	url, err := p.Publish(context.Background(), testCycle(), whiteFrame(200, 100), testSlots, testDetections)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !strings.HasPrefix(up.key, "occupancy/view_a/2026/06/01/091500_") {
		t.Errorf("uploaded key = %q", up.key)
	}
	if up.contentType != "image/jpeg" || url != "https://cdn.example/"+up.key {
		t.Errorf("upload content type = %q url = %q", up.contentType, url)
	}
	if _, err := jpeg.Decode(bytes.NewReader(up.data)); err != nil {
		t.Errorf("uploaded data is not a jpeg: %v", err)
	}
}

func TestPublishLocal(t *testing.T) {
	p := &Publisher{LocalDir: t.TempDir(), Prefix: "analysis_results"}
	path, err := p.Publish(context.Background(), testCycle(), whiteFrame(200, 100), testSlots, nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("snapshot not written: %v", err)
	}
}

func TestPublishNotConfigured(t *testing.T) {
	p := &Publisher{}
	_, err := p.Publish(context.Background(), testCycle(), whiteFrame(10, 10), nil, nil)
	if !errors.Is(err, storage.ErrNotConfigured) {
		t.Errorf("Publish() error = %v, want ErrNotConfigured", err)
	}
}
