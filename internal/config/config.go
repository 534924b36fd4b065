package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// NOTE: LoadFs/SaveFs go through an afero.Fs so the first-run and atomic write
// behavior can be exercised against an in-memory filesystem.

const (
	DefaultListen        = "0.0.0.0:8080"
	DefaultWidth         = 800
	DefaultHeight        = 480
	DefaultMaxUpload     = 1152000 + 256 // 800*480*3 plus slack for the request
	DefaultQueueCapacity = 10

	DefaultEnqueueTimeout = 10 * time.Second
)

// PinConfig holds BCM GPIO numbers for the panel's control lines.
type PinConfig struct {
	CS   int `yaml:"cs" json:"cs" validate:"gte=0"`
	DC   int `yaml:"dc" json:"dc" validate:"gte=0"`
	RST  int `yaml:"rst" json:"rst" validate:"gte=0"`
	BUSY int `yaml:"busy" json:"busy" validate:"gte=0"`
	// PWR is the panel power enable line on HAT revisions that have one.
	// Zero means not wired.
	PWR int `yaml:"pwr" json:"pwr" validate:"gte=0"`
}

// PanelConfig describes the e-paper hardware.
type PanelConfig struct {
	// Driver selects the backend:
	//   - "spi"  (default) periph.io SPI/GPIO driver
	//   - "mock" in-memory panel, no hardware access
	Driver string `yaml:"driver" json:"driver" validate:"oneof=spi mock"`

	Width  int `yaml:"width" json:"width" validate:"gt=0"`
	Height int `yaml:"height" json:"height" validate:"gt=0"`

	// SPIPort is the periph.io SPI port name ("" picks the first one,
	// typically /dev/spidev0.0).
	SPIPort string    `yaml:"spi_port" json:"spi_port"`
	Pins    PinConfig `yaml:"pins" json:"pins"`

	// ClearOnStart runs init, clear, sleep once at boot.
	ClearOnStart bool `yaml:"clear_on_start" json:"clear_on_start"`

	// Delays around the draw calls. The defaults come from the panel
	// vendor's reference timing; shorter values cause ghosting.
	PreDrawDelay        time.Duration `yaml:"pre_draw_delay" json:"pre_draw_delay"`
	PostDrawDelay       time.Duration `yaml:"post_draw_delay" json:"post_draw_delay"`
	PartialPreDrawDelay time.Duration `yaml:"partial_pre_draw_delay" json:"partial_pre_draw_delay"`
}

// QueueConfig controls the job channel.
type QueueConfig struct {
	Capacity int `yaml:"capacity" json:"capacity" validate:"gt=0"`
	// EnqueueTimeout bounds how long a producer waits for a free slot
	// before an HTTP handler answers 503. Unset means 10s; zero waits
	// until a slot frees or the request goes away.
	EnqueueTimeout *time.Duration `yaml:"enqueue_timeout,omitempty" json:"enqueue_timeout,omitempty" validate:"omitempty,gte=0"`
}

// UploadConfig controls POST /upload_image.
type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes" validate:"gt=0"`
}

// FetchConfig describes the periodically fetched image endpoint.
type FetchConfig struct {
	// URL of the frame endpoint. Empty disables periodic refresh.
	URL string `yaml:"url" json:"url" validate:"omitempty,url"`

	// Source selects what the scheduler runs on each tick:
	//   - "fetch"   (default) GET URL and decode the frame
	//   - "capture" screenshot Capture.URL with headless Chromium
	Source string `yaml:"source" json:"source" validate:"oneof=fetch capture"`

	// Refresh is a cron-style schedule string (e.g. "*/15 * * * *").
	Refresh string `yaml:"refresh" json:"refresh"`

	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// RunOnStart triggers one refresh right after startup.
	RunOnStart bool `yaml:"run_on_start" json:"run_on_start"`

	// FallbackClear controls whether a failed fetch or an undecodable
	// frame clears the panel (the historical behavior) or is skipped.
	FallbackClear *bool `yaml:"fallback_clear,omitempty" json:"fallback_clear,omitempty"`
}

// CaptureConfig describes the optional headless-browser producer.
type CaptureConfig struct {
	URL          string        `yaml:"url" json:"url" validate:"omitempty,url"`
	WaitSelector string        `yaml:"wait_selector" json:"wait_selector"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// LogConfig controls internal/log.
type LogConfig struct {
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	File  string `yaml:"file" json:"file"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	Panel   PanelConfig   `yaml:"panel" json:"panel"`
	Queue   QueueConfig   `yaml:"queue" json:"queue"`
	Upload  UploadConfig  `yaml:"upload" json:"upload"`
	Fetch   FetchConfig   `yaml:"fetch" json:"fetch"`
	Capture CaptureConfig `yaml:"capture" json:"capture"`
	Log     LogConfig     `yaml:"log" json:"log"`

	// RateLimitPerMinute caps requests per client IP to the routes that
	// enqueue jobs. Zero (the default) disables the limit.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute" validate:"gte=0"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Panel: PanelConfig{
			Driver: "spi",
			// Waveshare e-Paper HAT wiring.
			Pins:         PinConfig{CS: 8, DC: 25, RST: 17, BUSY: 24},
			ClearOnStart: true,
		},
		Fetch: FetchConfig{
			RunOnStart: true,
		},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}

	if c.Panel.Driver == "" {
		c.Panel.Driver = "spi"
	}
	if c.Panel.Width <= 0 {
		c.Panel.Width = DefaultWidth
	}
	if c.Panel.Height <= 0 {
		c.Panel.Height = DefaultHeight
	}
	if c.Panel.PreDrawDelay <= 0 {
		c.Panel.PreDrawDelay = 200 * time.Millisecond
	}
	if c.Panel.PostDrawDelay <= 0 {
		c.Panel.PostDrawDelay = 20 * time.Millisecond
	}
	if c.Panel.PartialPreDrawDelay <= 0 {
		c.Panel.PartialPreDrawDelay = 250 * time.Millisecond
	}

	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}
	if c.Queue.EnqueueTimeout == nil {
		d := DefaultEnqueueTimeout
		c.Queue.EnqueueTimeout = &d
	}

	if c.Upload.MaxBytes <= 0 {
		c.Upload.MaxBytes = DefaultMaxUpload
	}

	if c.Fetch.Source == "" {
		c.Fetch.Source = "fetch"
	}
	if c.Fetch.Refresh == "" {
		c.Fetch.Refresh = "*/15 * * * *"
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.FallbackClear == nil {
		t := true
		c.Fetch.FallbackClear = &t
	}

	if c.Capture.WaitSelector == "" {
		c.Capture.WaitSelector = "body"
	}
	if c.Capture.Timeout <= 0 {
		c.Capture.Timeout = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// EnqueueTimeout is the bounded wait for a queue slot. Zero means no bound.
func (c *Config) EnqueueTimeout() time.Duration {
	if c.Queue.EnqueueTimeout == nil {
		return DefaultEnqueueTimeout
	}
	return *c.Queue.EnqueueTimeout
}

// ClearOnFallback reports whether fallback jobs should be enqueued.
func (c *Config) ClearOnFallback() bool {
	return c.Fetch.FallbackClear == nil || *c.Fetch.FallbackClear
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints after normalization.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Fetch.Source == "capture" && c.Capture.URL == "" {
		return errors.New("config: fetch.source is capture but capture.url is empty")
	}
	if _, err := cron.ParseStandard(c.Fetch.Refresh); err != nil {
		return fmt.Errorf("config: fetch.refresh %q: %w", c.Fetch.Refresh, err)
	}
	return nil
}

// Load loads configuration from the given YAML path on the OS filesystem.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs loads configuration from path on fsys.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func LoadFs(fsys afero.Fs, path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := SaveFs(fsys, path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveFs writes cfg to path on fsys.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func SaveFs(fsys afero.Fs, path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(fsys, dir, ".epdpanel-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer fsys.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := fsys.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return fsys.Rename(tmpName, path)
}
