package frame

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

var ErrAcquisition = errors.New("frame acquisition failed")

const currentFrameName = "current.jpg"

// Frame is one still image of the monitored view. Path points at an encoded
// copy on disk so path-based detectors can read it.
type Frame struct {
	Path       string
	JPEG       []byte
	Image      image.Image
	Width      int
	Height     int
	CapturedAt time.Time
}

type Source interface {
	Acquire(ctx context.Context) (*Frame, error)
}

func decode(data []byte, path string, capturedAt time.Time) (*Frame, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrAcquisition, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrAcquisition)
	}
	return &Frame{
		Path:       path,
		JPEG:       data,
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: capturedAt,
	}, nil
}

// FileSource reads a still that another process keeps refreshing. A file
// older than MaxAge is treated as unavailable.
type FileSource struct {
	Path   string
	MaxAge time.Duration
}

func (s *FileSource) Acquire(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisition, err)
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisition, err)
	}
	if s.MaxAge > 0 && time.Since(info.ModTime()) > s.MaxAge {
		return nil, fmt.Errorf("%w: %s is stale (modified %s)", ErrAcquisition, s.Path, info.ModTime().Format(time.RFC3339))
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisition, err)
	}
	return decode(data, s.Path, info.ModTime())
}

// SnapshotSource fetches a JPEG from a camera snapshot endpoint, for example
// /ISAPI/Streaming/channels/101/picture on Hikvision devices.
// Snapshots larger than MaxBytes (default 32 MiB) are rejected.
type SnapshotSource struct {
	URL      string
	Username string
	Password string
	WorkDir  string
	Client   *http.Client
	MaxBytes int64
}

const defaultMaxSnapshotBytes int64 = 32 << 20

func (s *SnapshotSource) Acquire(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrAcquisition, err)
	}
	if s.Username != "" {
		req.SetBasicAuth(s.Username, s.Password)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: snapshot status %d: %s", ErrAcquisition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	limit := s.MaxBytes
	if limit <= 0 {
		limit = defaultMaxSnapshotBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read snapshot: %v", ErrAcquisition, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: snapshot exceeds %d bytes", ErrAcquisition, limit)
	}

	now := time.Now()
	f, err := decode(data, "", now)
	if err != nil {
		return nil, err
	}
	if f.Path, err = writeWorkFile(s.WorkDir, data); err != nil {
		return nil, err
	}
	return f, nil
}

// FFmpegSource grabs a single frame from an RTSP stream or a video file.
type FFmpegSource struct {
	Input   string
	Binary  string
	WorkDir string
}

func (s *FFmpegSource) args(output string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(s.Input, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-i", s.Input,
		"-frames:v", "1",
		"-q:v", "2",
		"-y", output,
	)
	return args
}

func (s *FFmpegSource) Acquire(ctx context.Context) (*Frame, error) {
	binary := s.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	if err := os.MkdirAll(s.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create work dir: %v", ErrAcquisition, err)
	}
	output := filepath.Join(s.WorkDir, currentFrameName)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, s.args(output)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrAcquisition, err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisition, err)
	}
	return decode(data, output, time.Now())
}

func writeWorkFile(dir string, data []byte) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create work dir: %v", ErrAcquisition, err)
	}
	path := filepath.Join(dir, currentFrameName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write frame: %v", ErrAcquisition, err)
	}
	return path, nil
}
