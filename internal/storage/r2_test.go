package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"occupancy-service/internal/config"
)

func TestNewR2ClientNotConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{name: "empty", cfg: config.StorageConfig{}},
		{name: "missing bucket", cfg: config.StorageConfig{Endpoint: "https://r2", AccessKey: "a", SecretKey: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewR2Client(tt.cfg); !errors.Is(err, ErrNotConfigured) {
				t.Errorf("NewR2Client() error = %v, want ErrNotConfigured", err)
			}
		})
	}
}

func TestUploadOnNilClient(t *testing.T) {
	var r *R2Client
	if _, err := r.Upload(context.Background(), "k", bytes.NewReader([]byte{1}), 1, "image/jpeg"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Upload() error = %v, want ErrNotConfigured", err)
	}
}

func TestObjectURL(t *testing.T) {
	cfg := config.StorageConfig{Endpoint: "https://acc.r2.example/", AccessKey: "a", SecretKey: "b", Bucket: "frames"}
	r, err := NewR2Client(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.objectURL("/occupancy/a.jpg"); got != "https://acc.r2.example/frames/occupancy/a.jpg" {
		t.Errorf("objectURL() = %q", got)
	}

	cfg.PublicBaseURL = "https://cdn.example"
	r, err = NewR2Client(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.objectURL("occupancy/a.jpg"); got != "https://cdn.example/frames/occupancy/a.jpg" {
		t.Errorf("objectURL() with public base = %q", got)
	}
}

func TestSnapshotKey(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	got := SnapshotKey("occupancy", "view_a", ts, "abc")
	if got != "occupancy/view_a/2026/02/03/040506_abc.jpg" {
		t.Errorf("SnapshotKey() = %q", got)
	}
}
