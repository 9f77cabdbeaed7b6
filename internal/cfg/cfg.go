// Package cfg holds roadwatch's application configuration. It follows the
// go-core cfg conventions: RegisterFlags binds fields to a FlagSet with
// defaults inline, and Validate reports every invalid field at once.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/capture/cvcam"
	"github.com/linnemanlabs/roadwatch/internal/violation"
)

// Capture source variants.
const (
	SourceCamera    = "camera"
	SourceDirectory = "directory"
)

// Config adds application configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	// capture
	Source                 string
	CameraDevice           string
	CaptureIntervalSeconds int
	InputDir               string
	RescanIntervalSeconds  int
	FrameDir               string

	// processing
	QueueCapacity          int
	EnqueueTimeoutMs       int
	DequeueTimeoutMs       int
	ClassifyTimeoutSeconds int
	InputWidth             int
	InputHeight            int
	MinConfidence          float64
	ViolationDir           string
	Latitude               string
	Longitude              string

	// storage
	DatabasePath string
	DatabaseURL  string

	// classifier
	ClaudeAPIKey string
	ClaudeModel  string

	// notification
	SlackWebhookURL string
	NtfyURL         string
	NotifyRecipient string

	// dashboard and lifecycle
	APIPort               int
	APIToken              string
	DrainSeconds          int
	ShutdownBudgetSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Source, "source", SourceCamera, "capture source: camera or directory")
	fs.StringVar(&c.CameraDevice, "camera-device", "0", "camera index (opencv builds) or http(s) snapshot URL")
	fs.IntVar(&c.CaptureIntervalSeconds, "capture-interval-seconds", 30, "seconds between camera captures")
	fs.StringVar(&c.InputDir, "input-dir", "data", "directory scanned for images when -source=directory")
	fs.IntVar(&c.RescanIntervalSeconds, "rescan-interval-seconds", 60, "seconds to sleep between directory scans")
	fs.StringVar(&c.FrameDir, "frame-dir", "camera_data", "directory camera frames are written to for live preview")

	fs.IntVar(&c.QueueCapacity, "queue-capacity", 1000, "maximum frames buffered between capture and processing")
	fs.IntVar(&c.EnqueueTimeoutMs, "enqueue-timeout-ms", 1000, "milliseconds capture waits for queue space before dropping a frame")
	fs.IntVar(&c.DequeueTimeoutMs, "dequeue-timeout-ms", 1000, "milliseconds the worker waits for a frame before re-checking for shutdown")
	fs.IntVar(&c.ClassifyTimeoutSeconds, "classify-timeout-seconds", 60, "deadline for a single classifier call")
	fs.IntVar(&c.InputWidth, "input-width", 256, "width images are resized to before classification")
	fs.IntVar(&c.InputHeight, "input-height", 256, "height images are resized to before classification")
	fs.Float64Var(&c.MinConfidence, "min-confidence", 0, "findings below this confidence are logged but not persisted (0..1)")
	fs.StringVar(&c.ViolationDir, "violation-dir", "violations", "directory violation images are saved to")
	fs.StringVar(&c.Latitude, "latitude", "", "camera latitude stored on every record (optional)")
	fs.StringVar(&c.Longitude, "longitude", "", "camera longitude stored on every record (optional)")

	fs.StringVar(&c.DatabasePath, "database-path", "violations.db", "SQLite database file")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides -database-path when set)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude classifier")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for classification")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for violation notifications")
	fs.StringVar(&c.NtfyURL, "ntfy-url", "", "ntfy topic URL for violation notifications")
	fs.StringVar(&c.NotifyRecipient, "notify-recipient", "", "recipient label included in notifications")

	fs.IntVar(&c.APIPort, "http-port", 8080, "dashboard listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required by the dashboard API (empty = no auth)")
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 5, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown after drain (1..300)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source {
	case SourceCamera:
		t, err := c.cameraTarget()
		switch {
		case err != nil:
			errs = append(errs, err)
		case !t.IsURL() && !cvcam.Available:
			errs = append(errs, fmt.Errorf("CAMERA_DEVICE %d requires a build with -tags opencv (use a snapshot URL or SOURCE=directory)", t.Index))
		}
	case SourceDirectory:
		if strings.TrimSpace(c.InputDir) == "" {
			errs = append(errs, errors.New("INPUT_DIR is required for the directory source"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SOURCE %q (must be %s or %s)", c.Source, SourceCamera, SourceDirectory))
	}

	positive := []struct {
		name string
		v    int
	}{
		{"CAPTURE_INTERVAL_SECONDS", c.CaptureIntervalSeconds},
		{"RESCAN_INTERVAL_SECONDS", c.RescanIntervalSeconds},
		{"QUEUE_CAPACITY", c.QueueCapacity},
		{"ENQUEUE_TIMEOUT_MS", c.EnqueueTimeoutMs},
		{"DEQUEUE_TIMEOUT_MS", c.DequeueTimeoutMs},
		{"CLASSIFY_TIMEOUT_SECONDS", c.ClassifyTimeoutSeconds},
		{"INPUT_WIDTH", c.InputWidth},
		{"INPUT_HEIGHT", c.InputHeight},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be > 0)", p.name, p.v))
		}
	}

	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("invalid MIN_CONFIDENCE %v (must be 0..1)", c.MinConfidence))
	}
	if strings.TrimSpace(c.ViolationDir) == "" {
		errs = append(errs, errors.New("VIOLATION_DIR is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if c.DatabaseURL == "" && strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("one of DATABASE_PATH or DATABASE_URL is required"))
	}

	// Claude API key and model are required for classification
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.SlackWebhookURL != "" && !isHTTPURL(c.SlackWebhookURL) {
		errs = append(errs, errors.New("invalid SLACK_WEBHOOK_URL (must be an http(s) URL)"))
	}
	if c.NtfyURL != "" && !isHTTPURL(c.NtfyURL) {
		errs = append(errs, fmt.Errorf("invalid NTFY_URL %q (must be an http(s) URL)", c.NtfyURL))
	}

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// CameraTarget is the parsed -camera-device value. Exactly one of Index or
// URL is meaningful.
type CameraTarget struct {
	Index int
	URL   string
}

// IsURL reports whether the camera is an HTTP snapshot endpoint.
func (t CameraTarget) IsURL() bool { return t.URL != "" }

// Camera parses CameraDevice. Call after Validate.
func (c *Config) Camera() CameraTarget {
	t, _ := c.cameraTarget()
	return t
}

func (c *Config) cameraTarget() (CameraTarget, error) {
	dev := strings.TrimSpace(c.CameraDevice)
	if n, err := strconv.Atoi(dev); err == nil {
		if n < 0 {
			return CameraTarget{}, fmt.Errorf("invalid CAMERA_DEVICE %d (index must be >= 0)", n)
		}
		return CameraTarget{Index: n}, nil
	}
	if isHTTPURL(dev) {
		return CameraTarget{URL: dev}, nil
	}
	return CameraTarget{}, fmt.Errorf("invalid CAMERA_DEVICE %q (must be an index or http(s) URL)", c.CameraDevice)
}

// Location returns the configured camera location, or nil when neither
// coordinate is set.
func (c *Config) Location() (*violation.Location, error) {
	if c.Latitude == "" && c.Longitude == "" {
		return nil, nil
	}
	if c.Latitude == "" || c.Longitude == "" {
		return nil, errors.New("LATITUDE and LONGITUDE must be set together")
	}
	lat, err := strconv.ParseFloat(c.Latitude, 64)
	if err != nil || !(lat >= -90 && lat <= 90) {
		return nil, fmt.Errorf("invalid LATITUDE %q (must be -90..90)", c.Latitude)
	}
	lon, err := strconv.ParseFloat(c.Longitude, 64)
	if err != nil || !(lon >= -180 && lon <= 180) {
		return nil, fmt.Errorf("invalid LONGITUDE %q (must be -180..180)", c.Longitude)
	}
	return &violation.Location{Latitude: lat, Longitude: lon}, nil
}

// CaptureInterval is the camera cadence.
func (c *Config) CaptureInterval() time.Duration {
	return time.Duration(c.CaptureIntervalSeconds) * time.Second
}

// RescanInterval is the sleep between directory scans.
func (c *Config) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalSeconds) * time.Second
}

// EnqueueTimeout bounds how long capture waits for queue space.
func (c *Config) EnqueueTimeout() time.Duration {
	return time.Duration(c.EnqueueTimeoutMs) * time.Millisecond
}

// DequeueTimeout bounds each worker poll.
func (c *Config) DequeueTimeout() time.Duration {
	return time.Duration(c.DequeueTimeoutMs) * time.Millisecond
}

// ClassifyTimeout is the per-call classifier deadline.
func (c *Config) ClassifyTimeout() time.Duration {
	return time.Duration(c.ClassifyTimeoutSeconds) * time.Second
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
