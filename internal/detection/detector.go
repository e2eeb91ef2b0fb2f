package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/frame"
)

var (
	ErrDetection       = errors.New("detection failed")
	ErrMalformedOutput = fmt.Errorf("%w: malformed detector output", ErrDetection)
)

// Detector runs the external vehicle model on one frame.
type Detector interface {
	Detect(ctx context.Context, f *frame.Frame) ([]occupancy.RawDetection, error)
}

type Thresholds struct {
	Confidence float64
	IoU        float64
}

// CommandDetector launches a detection program per frame and reads the label
// file it leaves behind. Args may reference {source}, {conf} and {iou}.
type CommandDetector struct {
	Command    string
	Args       []string
	LabelsDir  string
	Thresholds Thresholds
	Timeout    time.Duration
}

var defaultCommandArgs = []string{
	"detect.py",
	"--weights", "best.pt",
	"--source", "{source}",
	"--conf", "{conf}",
	"--iou", "{iou}",
	"--save-txt", "--save-conf",
	"--project", "runs/detect",
	"--name", "occupancy_analysis",
	"--exist-ok",
}

func (d *CommandDetector) expandArgs(source string) []string {
	args := d.Args
	if len(args) == 0 {
		args = defaultCommandArgs
	}
	r := strings.NewReplacer(
		"{source}", source,
		"{conf}", strconv.FormatFloat(d.Thresholds.Confidence, 'f', -1, 64),
		"{iou}", strconv.FormatFloat(d.Thresholds.IoU, 'f', -1, 64),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

func (d *CommandDetector) labelPath(source string) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return filepath.Join(d.LabelsDir, base+".txt")
}

func (d *CommandDetector) Detect(ctx context.Context, f *frame.Frame) ([]occupancy.RawDetection, error) {
	if f == nil || f.Path == "" {
		return nil, fmt.Errorf("%w: frame has no file path", ErrDetection)
	}
	labels := d.labelPath(f.Path)
	if err := os.Remove(labels); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: remove stale labels: %v", ErrDetection, err)
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	command := d.Command
	if command == "" {
		command = "python3"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, d.expandArgs(f.Path)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrDetection, command, err, tail(stderr.String(), 512))
	}

	file, err := os.Open(labels)
	if errors.Is(err, os.ErrNotExist) {
		// detectors write no label file when nothing was found
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open labels: %v", ErrDetection, err)
	}
	defer file.Close()

	return ParseLabels(file)
}

const defaultMaxResponseBytes int64 = 8 << 20

// HTTPDetector posts the encoded frame to an inference service. Responses
// larger than MaxResponseBytes (default 8 MiB) are rejected.
type HTTPDetector struct {
	URL              string
	Thresholds       Thresholds
	Client           *http.Client
	MaxResponseBytes int64
}

type httpDetectResponse struct {
	Detections []occupancy.RawDetection `json:"detections"`
}

func (d *HTTPDetector) Detect(ctx context.Context, f *frame.Frame) ([]occupancy.RawDetection, error) {
	if f == nil || len(f.JPEG) == 0 {
		return nil, fmt.Errorf("%w: frame has no encoded data", ErrDetection)
	}

	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid detector url: %v", ErrDetection, err)
	}
	q := u.Query()
	q.Set("conf", strconv.FormatFloat(d.Thresholds.Confidence, 'f', -1, 64))
	q.Set("iou", strconv.FormatFloat(d.Thresholds.IoU, 'f', -1, 64))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(f.JPEG))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrDetection, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrDetection, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	limit := d.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrDetection, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrMalformedOutput, limit)
	}

	var out httpDetectResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return out.Detections, nil
}

// StaticDetector replays a fixed label file, for calibration runs.
type StaticDetector struct {
	LabelsPath string
}

func (d *StaticDetector) Detect(ctx context.Context, _ *frame.Frame) ([]occupancy.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}
	file, err := os.Open(d.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}
	defer file.Close()
	return ParseLabels(file)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
