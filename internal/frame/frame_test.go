package frame

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.jpg")
	if err := os.WriteFile(path, testJPEG(t, 64, 48), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &FileSource{Path: path}
	f, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if f.Width != 64 || f.Height != 48 {
		t.Errorf("Acquire() size = %dx%d, want 64x48", f.Width, f.Height)
	}
	if f.Path != path {
		t.Errorf("Acquire() path = %q, want %q", f.Path, path)
	}
}

func TestFileSourceFailures(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "stale.jpg")
	if err := os.WriteFile(stale, testJPEG(t, 8, 8), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	garbage := filepath.Join(dir, "garbage.jpg")
	if err := os.WriteFile(garbage, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		src  *FileSource
	}{
		{name: "missing file", src: &FileSource{Path: filepath.Join(dir, "missing.jpg")}},
		{name: "stale file", src: &FileSource{Path: stale, MaxAge: time.Minute}},
		{name: "not an image", src: &FileSource{Path: garbage}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.src.Acquire(context.Background())
			if !errors.Is(err, ErrAcquisition) {
				t.Errorf("Acquire() error = %v, want ErrAcquisition", err)
			}
		})
	}
}

func TestSnapshotSource(t *testing.T) {
	body := testJPEG(t, 32, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := &SnapshotSource{URL: srv.URL, Username: "admin", Password: "secret", WorkDir: dir}
	f, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if f.Width != 32 || f.Height != 16 {
		t.Errorf("Acquire() size = %dx%d, want 32x16", f.Width, f.Height)
	}
	if _, err := os.Stat(f.Path); err != nil {
		t.Errorf("frame not written to work dir: %v", err)
	}

	src.Password = "wrong"
	if _, err := src.Acquire(context.Background()); !errors.Is(err, ErrAcquisition) {
		t.Errorf("Acquire() with bad credentials error = %v, want ErrAcquisition", err)
	}
}

func TestSnapshotSourceTooLarge(t *testing.T) {
	body := testJPEG(t, 64, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(body)
	}))
	defer srv.Close()

	src := &SnapshotSource{URL: srv.URL, WorkDir: t.TempDir(), MaxBytes: int64(len(body) - 1)}
	if _, err := src.Acquire(context.Background()); !errors.Is(err, ErrAcquisition) {
		t.Errorf("Acquire() error = %v, want ErrAcquisition for oversized snapshot", err)
	}

	src.MaxBytes = int64(len(body))
	if _, err := src.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire() at exact limit error = %v", err)
	}
}

func TestFFmpegArgs(t *testing.T) {
	rtsp := &FFmpegSource{Input: "rtsp://cam/stream"}
	args := strings.Join(rtsp.args("/tmp/out.jpg"), " ")
	if !strings.Contains(args, "-rtsp_transport tcp") {
		t.Errorf("args for rtsp input missing transport: %s", args)
	}
	if !strings.HasSuffix(args, "-frames:v 1 -q:v 2 -y /tmp/out.jpg") {
		t.Errorf("unexpected args: %s", args)
	}

	file := &FFmpegSource{Input: "lot.mov"}
	if strings.Contains(strings.Join(file.args("out.jpg"), " "), "rtsp_transport") {
		t.Errorf("args for file input must not set rtsp transport")
	}
}
