package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Capture modes.
const (
	CaptureNone    = "none"
	CaptureUVC     = "uvc"
	CaptureCommand = "command"
)

// MinRequestBufferSize is the smallest accepted snapshot read buffer.
const MinRequestBufferSize = 512

type Config struct {
	VideoPort    int `env:"VIDEO_PORT" default:"8888"`
	MotionPort   int `env:"MOTION_PORT" default:"8889"`
	SnapshotPort int `env:"SNAPSHOT_PORT" default:"8080"`
	AdminPort    int `env:"ADMIN_PORT" default:"9090"`

	MaxPushClients    int     `env:"MAX_PUSH_CLIENTS" default:"0"`
	SnapshotRateLimit float64 `env:"SNAPSHOT_RATE_LIMIT" default:"0"`
	SnapshotRateBurst int     `env:"SNAPSHOT_RATE_BURST" default:"20"`
	RequestBufferSize int     `env:"REQUEST_BUFFER_SIZE" default:"4096"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	CaptureMode    string `env:"CAPTURE_MODE" default:"none"`
	CaptureCommand string `env:"CAPTURE_COMMAND" default:"rpicam-vid -t 0 --codec h264 --inline -o -"`

	// MotionCommand, when set, runs a second encoder whose output is codec
	// side info (e.g. motion vectors) for the motion channel.
	MotionCommand string `env:"MOTION_COMMAND"`

	UVCVendorID    string `env:"UVC_VENDOR_ID" default:"0x35bd"`
	UVCProductID   string `env:"UVC_PRODUCT_ID" default:"0x0202"`

	ConfigFile string `env:"CONFIG_FILE"`
}

// Load reads envFile (or ./.env when empty) if present, then the process
// environment.
func Load(envFile string) (*Config, error) {
	files := []string{}
	if envFile != "" {
		files = append(files, envFile)
	}
	if err := godotenv.Load(files...); err != nil {
		if envFile != "" {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// VendorID parses UVC_VENDOR_ID. Decimal and 0x-prefixed hex are accepted.
func (c *Config) VendorID() (uint16, error) {
	return parseUSBID("UVC_VENDOR_ID", c.UVCVendorID)
}

// ProductID parses UVC_PRODUCT_ID.
func (c *Config) ProductID() (uint16, error) {
	return parseUSBID("UVC_PRODUCT_ID", c.UVCProductID)
}

func parseUSBID(name, s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%s must be a 16-bit id: %w", name, err)
	}
	return uint16(v), nil
}

func validate(cfg *Config) error {
	ports := []struct {
		name string
		port int
	}{
		{"VIDEO_PORT", cfg.VideoPort},
		{"MOTION_PORT", cfg.MotionPort},
		{"SNAPSHOT_PORT", cfg.SnapshotPort},
		{"ADMIN_PORT", cfg.AdminPort},
	}

	seen := make(map[int]string, len(ports))
	for _, p := range ports {
		if p.port < 0 || p.port > 65535 {
			return fmt.Errorf("%s must be between 0 and 65535, got %d", p.name, p.port)
		}
		if p.port == 0 {
			continue
		}
		if other, ok := seen[p.port]; ok {
			return fmt.Errorf("%s and %s both use port %d", other, p.name, p.port)
		}
		seen[p.port] = p.name
	}

	if cfg.SnapshotPort == 0 {
		return errors.New("SNAPSHOT_PORT is required")
	}
	if cfg.MaxPushClients < 0 {
		return errors.New("MAX_PUSH_CLIENTS must not be negative")
	}
	if cfg.SnapshotRateLimit < 0 {
		return errors.New("SNAPSHOT_RATE_LIMIT must not be negative")
	}
	if cfg.SnapshotRateLimit > 0 && cfg.SnapshotRateBurst < 1 {
		return errors.New("SNAPSHOT_RATE_BURST must be at least 1 when rate limiting")
	}
	if cfg.RequestBufferSize < MinRequestBufferSize {
		return fmt.Errorf("REQUEST_BUFFER_SIZE must be at least %d, got %d", MinRequestBufferSize, cfg.RequestBufferSize)
	}

	switch cfg.CaptureMode {
	case CaptureNone:
	case CaptureCommand:
		if cfg.CaptureCommand == "" {
			return errors.New("CAPTURE_COMMAND is required when CAPTURE_MODE is command")
		}
	case CaptureUVC:
		if _, err := cfg.VendorID(); err != nil {
			return err
		}
		if _, err := cfg.ProductID(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("CAPTURE_MODE must be one of none, uvc, command, got %q", cfg.CaptureMode)
	}

	return nil
}
