// Package config loads porchwatch settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissing is returned when a required setting is absent
var ErrMissing = errors.New("missing required setting")

// Config is the complete porchwatch configuration
type Config struct {
	DeviceID       string        `yaml:"device_id"`
	Timezone       string        `yaml:"timezone"`
	DBPath         string        `yaml:"db_path"`
	HealthInterval time.Duration `yaml:"health_interval"`

	Log        LogConfig        `yaml:"log"`
	Camera     CameraConfig     `yaml:"camera"`
	Detector   DetectorConfig   `yaml:"detector"`
	Presence   PresenceConfig   `yaml:"presence"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Capture    CaptureConfig    `yaml:"capture"`
	Redaction  RedactionConfig  `yaml:"redaction"`
	Store      StoreConfig      `yaml:"store"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Auth       AuthConfig       `yaml:"auth"`
	Server     ServerConfig     `yaml:"server"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// CameraConfig contains video source settings
type CameraConfig struct {
	URL               string        `yaml:"url"` // Overrides the URL built from IP
	IP                string        `yaml:"ip"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	FPS               int           `yaml:"fps"`
	Stride            int           `yaml:"stride"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ReadFailureDelay  time.Duration `yaml:"read_failure_delay"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
	MaxRetries        int           `yaml:"max_retries"`
}

// ROIConfig is a region of interest in normalized coordinates
type ROIConfig struct {
	Enabled bool    `yaml:"enabled"`
	XMin    float64 `yaml:"x_min"`
	XMax    float64 `yaml:"x_max"`
	YMin    float64 `yaml:"y_min"`
	YMax    float64 `yaml:"y_max"`
}

// DetectorConfig contains object detector settings
type DetectorConfig struct {
	Backend             string        `yaml:"backend"` // http or grpc
	HTTPEndpoint        string        `yaml:"http_endpoint"`
	GRPCEndpoint        string        `yaml:"grpc_endpoint"`
	Timeout             time.Duration `yaml:"timeout"`
	Confidence          float32       `yaml:"confidence"`
	AmbiguousConfidence float32       `yaml:"ambiguous_confidence"`
	StandardClasses     []int         `yaml:"standard_classes"`
	AmbiguousClasses    []int         `yaml:"ambiguous_classes"`
	ROI                 ROIConfig     `yaml:"roi"`
}

// PresenceConfig contains presence tracker timing
type PresenceConfig struct {
	DwellTime   time.Duration `yaml:"dwell_time"`
	GracePeriod time.Duration `yaml:"grace_period"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// ClassifierConfig contains vision classifier settings
type ClassifierConfig struct {
	ModelURL     string        `yaml:"model_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	MaxSide      int           `yaml:"max_side"`
}

// Enabled reports whether a classifier is configured
func (c ClassifierConfig) Enabled() bool {
	return c.ModelURL != "" && c.APIKey != ""
}

// CaptureConfig contains local capture settings
type CaptureConfig struct {
	Dir     string `yaml:"dir"`
	Quality int    `yaml:"quality"`
}

// RedactionConfig contains privacy redaction settings
type RedactionConfig struct {
	Mode        string  `yaml:"mode"` // faces or subjects
	CascadePath string  `yaml:"cascade_path"`
	Padding     float64 `yaml:"padding"`
	Kernel      int     `yaml:"kernel"`
}

// StoreConfig contains backend store settings
type StoreConfig struct {
	Backend     string `yaml:"backend"` // sqlite, supabase or none
	ImageDir    string `yaml:"image_dir"`
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
	Bucket      string `yaml:"bucket"`
	Table       string `yaml:"table"`
}

// TelegramConfig contains notification settings
type TelegramConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// AuthConfig contains dashboard authentication settings
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"` // Plaintext or bcrypt hash
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// ServerConfig contains dashboard HTTP settings
type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Timezone:       "America/Los_Angeles",
		DBPath:         "porchwatch.db",
		HealthInterval: 5 * time.Minute,
		Log:            LogConfig{Level: "info", Format: "text"},
		Camera: CameraConfig{
			Stride:            30,
			ReconnectInterval: time.Hour,
			ReadFailureDelay:  2 * time.Second,
			RetryDelay:        time.Second,
			MaxRetryDelay:     30 * time.Second,
		},
		Detector: DetectorConfig{
			Backend:          "http",
			HTTPEndpoint:     "http://localhost:8081",
			Timeout:          10 * time.Second,
			Confidence:       0.7,
			StandardClasses:  []int{0},
			AmbiguousClasses: []int{2, 14, 16, 17},
			ROI:              ROIConfig{Enabled: true, XMin: 0, XMax: 0.7, YMin: 0, YMax: 1},
		},
		Presence: PresenceConfig{
			DwellTime:   2 * time.Second,
			GracePeriod: 2 * time.Second,
			Cooldown:    60 * time.Second,
		},
		Classifier: ClassifierConfig{
			Model:        "gemma",
			Timeout:      60 * time.Second,
			StoreTimeout: 30 * time.Second,
			MaxSide:      1024,
		},
		Capture: CaptureConfig{Dir: "./captures", Quality: 90},
		Redaction: RedactionConfig{
			Mode:        "faces",
			CascadePath: "/usr/share/opencv4/haarcascades/haarcascade_frontalface_default.xml",
			Padding:     0.2,
			Kernel:      51,
		},
		Store: StoreConfig{
			Backend:  "sqlite",
			ImageDir: "./images",
			Bucket:   "detection-images",
			Table:    "person_detections",
		},
		Telegram: TelegramConfig{Cooldown: 30 * time.Second},
		Auth:     AuthConfig{Username: "admin", JWTExpiry: 24 * time.Hour},
		Server:   ServerConfig{Addr: ":8080"},
	}
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	str(&c.Camera.IP, "DOORBIRD_IP")
	str(&c.Camera.Username, "DOORBIRD_USERNAME")
	str(&c.Camera.Password, "DOORBIRD_PASSWORD")
	str(&c.Camera.URL, "RTSP_URL")
	str(&c.Classifier.APIKey, "BASETEN_API_KEY")
	str(&c.Classifier.ModelURL, "BASETEN_MODEL_URL")
	str(&c.Store.SupabaseURL, "SUPABASE_URL", "NEXT_PUBLIC_SUPABASE_URL")
	str(&c.Store.SupabaseKey, "SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_KEY")
	str(&c.DeviceID, "DEVICE_ID", "HOSTNAME")
	str(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	str(&c.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	str(&c.Auth.Username, "AUTH_USERNAME")
	str(&c.Auth.Password, "AUTH_PASSWORD")
	str(&c.Auth.JWTSecret, "JWT_SECRET")
	str(&c.Log.Level, "LOG_LEVEL")
	str(&c.Log.Format, "LOG_FORMAT")

	if c.Telegram.BotToken != "" && c.Telegram.ChatID != "" {
		c.Telegram.Enabled = true
	}
	if v, ok := lookup("AUTH_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTH_ENABLED: %w", err)
		}
		c.Auth.Enabled = enabled
	}
	if v, ok := lookup("JWT_EXPIRY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("JWT_EXPIRY: %w", err)
		}
		c.Auth.JWTExpiry = d
	}
	return nil
}

// Validate rejects unusable settings
func (c *Config) Validate() error {
	if c.VideoSource() == "" {
		return fmt.Errorf("%w: camera.url or camera.ip", ErrMissing)
	}
	if c.DeviceID == "" {
		c.DeviceID = "doorbird"
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if c.Camera.Stride < 1 {
		return fmt.Errorf("camera.stride must be at least 1, got %d", c.Camera.Stride)
	}

	durations := map[string]time.Duration{
		"presence.dwell_time":       c.Presence.DwellTime,
		"presence.grace_period":     c.Presence.GracePeriod,
		"presence.cooldown":         c.Presence.Cooldown,
		"camera.reconnect_interval": c.Camera.ReconnectInterval,
		"camera.read_failure_delay": c.Camera.ReadFailureDelay,
		"camera.retry_delay":        c.Camera.RetryDelay,
		"camera.max_retry_delay":    c.Camera.MaxRetryDelay,
		"classifier.timeout":        c.Classifier.Timeout,
		"classifier.store_timeout":  c.Classifier.StoreTimeout,
		"telegram.cooldown":         c.Telegram.Cooldown,
		"health_interval":           c.HealthInterval,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, d)
		}
	}

	if c.Detector.Confidence <= 0 || c.Detector.Confidence > 1 {
		return fmt.Errorf("detector.confidence must be in (0,1], got %v", c.Detector.Confidence)
	}
	if roi := c.Detector.ROI; roi.Enabled {
		for _, v := range []float64{roi.XMin, roi.XMax, roi.YMin, roi.YMax} {
			if v < 0 || v > 1 {
				return fmt.Errorf("detector.roi bounds must be within [0,1]")
			}
		}
		if roi.XMin > roi.XMax || roi.YMin > roi.YMax {
			return fmt.Errorf("detector.roi min must not exceed max")
		}
	}

	switch c.Detector.Backend {
	case "http":
		if c.Detector.HTTPEndpoint == "" {
			return fmt.Errorf("%w: detector.http_endpoint", ErrMissing)
		}
	case "grpc":
		if c.Detector.GRPCEndpoint == "" {
			return fmt.Errorf("%w: detector.grpc_endpoint", ErrMissing)
		}
	default:
		return fmt.Errorf("unknown detector backend %q", c.Detector.Backend)
	}

	switch c.Redaction.Mode {
	case "faces", "subjects":
	default:
		return fmt.Errorf("unknown redaction mode %q", c.Redaction.Mode)
	}

	switch c.Store.Backend {
	case "sqlite", "none":
	case "supabase":
		if c.Store.SupabaseURL == "" || c.Store.SupabaseKey == "" {
			return fmt.Errorf("%w: supabase url and key", ErrMissing)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("%w: auth.password", ErrMissing)
	}
	return nil
}

// VideoSource returns the stream URL, built from the doorbell IP and
// credentials when no explicit URL is set
func (c *Config) VideoSource() string {
	if c.Camera.URL != "" {
		return c.Camera.URL
	}
	if c.Camera.IP == "" {
		return ""
	}
	u := url.URL{Scheme: "rtsp", Host: c.Camera.IP, Path: "/mpeg/media.amp"}
	if c.Camera.Username != "" {
		u.User = url.UserPassword(c.Camera.Username, c.Camera.Password)
	}
	return u.String()
}

// SnapshotURL returns the doorbell still-image endpoint, "" without an IP
func (c *Config) SnapshotURL() string {
	if c.Camera.IP == "" {
		return ""
	}
	return "http://" + c.Camera.IP + "/bha-api/image.cgi"
}

// Location resolves the configured timezone
func (c *Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}
