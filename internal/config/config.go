package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RetentionDays   int
}

type AuthConfig struct {
	AccessSecret string
}

type OccupancyConfig struct {
	ViewID             string
	LotID              string
	SlotConfigPath     string
	PollInterval       time.Duration
	CycleTimeout       time.Duration
	OccupancyThreshold float64
	PresenceThreshold  float64
	VehicleClasses     []int
	MinConfidence      float64
	Workers            int
}

type FrameConfig struct {
	Source   string
	Path     string
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	MaxAge   time.Duration
	WorkDir  string
}

type DetectorConfig struct {
	Kind       string
	Command    string
	Args       []string
	LabelsDir  string
	LabelsFile string
	URL        string
	Timeout    time.Duration
	Confidence float64
	IoU        float64
}

type BackendConfig struct {
	URL         string
	Token       string
	JWTSecret   string
	Mode        string
	Timeout     time.Duration
	Concurrency int
}

type StorageConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	PublicBaseURL string
	Prefix        string
	MaxWidth      int
	JPEGQuality   int
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Auth        AuthConfig
	Occupancy   OccupancyConfig
	Frame       FrameConfig
	Detector    DetectorConfig
	Backend     BackendConfig
	Storage     StorageConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()

	_ = v.ReadInConfig()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	classes, err := parseClasses(v.GetString("VEHICLE_CLASSES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
			RetentionDays:   v.GetInt("AUDIT_RETENTION_DAYS"),
		},
		Auth: AuthConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
		},
		Occupancy: OccupancyConfig{
			ViewID:             v.GetString("VIEW_ID"),
			LotID:              v.GetString("LOT_ID"),
			SlotConfigPath:     v.GetString("SLOT_CONFIG_PATH"),
			PollInterval:       v.GetDuration("POLL_INTERVAL"),
			CycleTimeout:       v.GetDuration("CYCLE_TIMEOUT"),
			OccupancyThreshold: v.GetFloat64("OCCUPANCY_THRESHOLD"),
			PresenceThreshold:  v.GetFloat64("PRESENCE_THRESHOLD"),
			VehicleClasses:     classes,
			MinConfidence:      v.GetFloat64("MIN_CONFIDENCE"),
			Workers:            v.GetInt("EVAL_WORKERS"),
		},
		Frame: FrameConfig{
			Source:   strings.ToLower(v.GetString("FRAME_SOURCE")),
			Path:     v.GetString("FRAME_PATH"),
			URL:      v.GetString("FRAME_URL"),
			Username: v.GetString("FRAME_USERNAME"),
			Password: v.GetString("FRAME_PASSWORD"),
			Timeout:  v.GetDuration("FRAME_TIMEOUT"),
			MaxAge:   v.GetDuration("FRAME_MAX_AGE"),
			WorkDir:  v.GetString("WORK_DIR"),
		},
		Detector: DetectorConfig{
			Kind:       strings.ToLower(v.GetString("DETECTOR")),
			Command:    v.GetString("DETECTOR_COMMAND"),
			Args:       strings.Fields(v.GetString("DETECTOR_ARGS")),
			LabelsDir:  v.GetString("DETECTOR_LABELS_DIR"),
			LabelsFile: v.GetString("DETECTOR_LABELS_FILE"),
			URL:        v.GetString("DETECTOR_URL"),
			Timeout:    v.GetDuration("DETECTOR_TIMEOUT"),
			Confidence: v.GetFloat64("DETECTOR_CONFIDENCE"),
			IoU:        v.GetFloat64("DETECTOR_IOU"),
		},
		Backend: BackendConfig{
			URL:         strings.TrimRight(v.GetString("BACKEND_URL"), "/"),
			Token:       v.GetString("BACKEND_TOKEN"),
			JWTSecret:   v.GetString("BACKEND_JWT_SECRET"),
			Mode:        strings.ToLower(v.GetString("REPORT_MODE")),
			Timeout:     v.GetDuration("REPORT_TIMEOUT"),
			Concurrency: v.GetInt("REPORT_CONCURRENCY"),
		},
		Storage: StorageConfig{
			Endpoint:      strings.TrimSpace(v.GetString("R2_ENDPOINT")),
			AccessKey:     strings.TrimSpace(v.GetString("R2_ACCESS_KEY_ID")),
			SecretKey:     strings.TrimSpace(v.GetString("R2_SECRET_ACCESS_KEY")),
			Bucket:        strings.TrimSpace(v.GetString("R2_BUCKET")),
			Region:        strings.TrimSpace(v.GetString("R2_REGION")),
			PublicBaseURL: strings.TrimRight(strings.TrimSpace(v.GetString("R2_PUBLIC_BASE_URL")), "/"),
			Prefix:        strings.Trim(v.GetString("SNAPSHOT_PREFIX"), "/"),
			MaxWidth:      v.GetInt("SNAPSHOT_MAX_WIDTH"),
			JPEGQuality:   v.GetInt("SNAPSHOT_JPEG_QUALITY"),
		},
	}

	if cfg.Occupancy.LotID == "" {
		cfg.Occupancy.LotID = cfg.Occupancy.ViewID
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("AUDIT_RETENTION_DAYS", 30)

	v.SetDefault("POLL_INTERVAL", 3*time.Minute)
	v.SetDefault("CYCLE_TIMEOUT", 2*time.Minute)
	v.SetDefault("OCCUPANCY_THRESHOLD", 0.17)
	v.SetDefault("PRESENCE_THRESHOLD", 0.1)
	v.SetDefault("VEHICLE_CLASSES", "0,2,3,5,7")
	v.SetDefault("EVAL_WORKERS", 4)

	v.SetDefault("FRAME_SOURCE", "file")
	v.SetDefault("FRAME_PATH", "current_frame.jpg")
	v.SetDefault("FRAME_TIMEOUT", 30*time.Second)
	v.SetDefault("WORK_DIR", "work")

	v.SetDefault("DETECTOR", "command")
	v.SetDefault("DETECTOR_COMMAND", "python3")
	v.SetDefault("DETECTOR_LABELS_DIR", "runs/detect/occupancy_analysis/labels")
	v.SetDefault("DETECTOR_TIMEOUT", 60*time.Second)
	v.SetDefault("DETECTOR_CONFIDENCE", 0.0399)
	v.SetDefault("DETECTOR_IOU", 0.2)

	v.SetDefault("REPORT_MODE", "batch")
	v.SetDefault("REPORT_TIMEOUT", 10*time.Second)
	v.SetDefault("REPORT_CONCURRENCY", 4)

	v.SetDefault("R2_REGION", "auto")
	v.SetDefault("SNAPSHOT_PREFIX", "occupancy")
	v.SetDefault("SNAPSHOT_MAX_WIDTH", 1280)
	v.SetDefault("SNAPSHOT_JPEG_QUALITY", 85)
}

func parseClasses(raw string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("VEHICLE_CLASSES: invalid class id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func validate(cfg *Config) error {
	occ := cfg.Occupancy
	if occ.SlotConfigPath == "" {
		return fmt.Errorf("SLOT_CONFIG_PATH is required")
	}
	if occ.ViewID == "" {
		return fmt.Errorf("VIEW_ID is required")
	}
	if len(occ.VehicleClasses) == 0 {
		return fmt.Errorf("VEHICLE_CLASSES must list at least one class id")
	}
	if occ.OccupancyThreshold < 0 || occ.OccupancyThreshold > 1 {
		return fmt.Errorf("OCCUPANCY_THRESHOLD must be within [0,1]")
	}
	if occ.PresenceThreshold < 0 || occ.PresenceThreshold > occ.OccupancyThreshold {
		return fmt.Errorf("PRESENCE_THRESHOLD must be within [0, OCCUPANCY_THRESHOLD]")
	}
	if occ.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if cfg.Backend.URL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if occ.CycleTimeout <= 0 {
		return fmt.Errorf("CYCLE_TIMEOUT must be positive")
	}
	// the report stage gets what acquisition and detection leave over
	if cfg.Frame.Timeout <= 0 || cfg.Detector.Timeout <= 0 || cfg.Backend.Timeout <= 0 {
		return fmt.Errorf("FRAME_TIMEOUT, DETECTOR_TIMEOUT and REPORT_TIMEOUT must be positive")
	}
	if cfg.Frame.Timeout+cfg.Detector.Timeout+cfg.Backend.Timeout > occ.CycleTimeout {
		return fmt.Errorf("FRAME_TIMEOUT + DETECTOR_TIMEOUT + REPORT_TIMEOUT must not exceed CYCLE_TIMEOUT (%s)", occ.CycleTimeout)
	}

	switch cfg.Backend.Mode {
	case "batch", "per_slot", "both":
	default:
		return fmt.Errorf("REPORT_MODE must be one of batch, per_slot, both")
	}

	switch cfg.Frame.Source {
	case "file":
		if cfg.Frame.Path == "" {
			return fmt.Errorf("FRAME_PATH is required for file source")
		}
	case "snapshot", "ffmpeg":
		if cfg.Frame.URL == "" {
			return fmt.Errorf("FRAME_URL is required for %s source", cfg.Frame.Source)
		}
	default:
		return fmt.Errorf("FRAME_SOURCE must be one of file, snapshot, ffmpeg")
	}

	switch cfg.Detector.Kind {
	case "command":
	case "http":
		if cfg.Detector.URL == "" {
			return fmt.Errorf("DETECTOR_URL is required for http detector")
		}
	case "static":
		if cfg.Detector.LabelsFile == "" {
			return fmt.Errorf("DETECTOR_LABELS_FILE is required for static detector")
		}
	default:
		return fmt.Errorf("DETECTOR must be one of command, http, static")
	}

	return nil
}
