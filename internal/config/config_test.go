package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir keeps a developer's .env out of the test.
func inTempDir(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

func TestLoad_DefaultValues(t *testing.T) {
	inTempDir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.VideoPort)
	assert.Equal(t, 8889, cfg.MotionPort)
	assert.Equal(t, 8080, cfg.SnapshotPort)
	assert.Equal(t, 9090, cfg.AdminPort)
	assert.Equal(t, 4096, cfg.RequestBufferSize)
	assert.Equal(t, 20, cfg.SnapshotRateBurst)
	assert.Equal(t, CaptureNone, cfg.CaptureMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)

	vid, err := cfg.VendorID()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x35bd), vid)
	pid, err := cfg.ProductID()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0202), pid)
}

func TestLoad_CustomValues(t *testing.T) {
	inTempDir(t)
	t.Setenv("VIDEO_PORT", "7000")
	t.Setenv("MOTION_PORT", "0")
	t.Setenv("SNAPSHOT_RATE_LIMIT", "12.5")
	t.Setenv("CAPTURE_MODE", "command")
	t.Setenv("CAPTURE_COMMAND", "cat /dev/zero")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.VideoPort)
	assert.Zero(t, cfg.MotionPort)
	assert.InDelta(t, 12.5, cfg.SnapshotRateLimit, 1e-9)
	assert.Equal(t, "cat /dev/zero", cfg.CaptureCommand)
	assert.Empty(t, cfg.MotionCommand)
}

func TestLoad_MotionCommand(t *testing.T) {
	inTempDir(t)
	t.Setenv("MOTION_COMMAND", "rpicam-vid -t 0 --codec h264 --save-pts /dev/null -o -")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "rpicam-vid -t 0 --codec h264 --save-pts /dev/null -o -", cfg.MotionCommand)
}

func TestLoad_EnvFile(t *testing.T) {
	inTempDir(t)
	path := filepath.Join(t.TempDir(), "camera.env")
	require.NoError(t, os.WriteFile(path, []byte("SNAPSHOT_PORT=8181\nLOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("SNAPSHOT_PORT")
		_ = os.Unsetenv("LOG_LEVEL")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.SnapshotPort)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	inTempDir(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load env file")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"port too large", "VIDEO_PORT", "70000", "VIDEO_PORT must be between 0 and 65535, got 70000"},
		{"negative port", "ADMIN_PORT", "-1", "ADMIN_PORT must be between 0 and 65535, got -1"},
		{"duplicate port", "MOTION_PORT", "8888", "VIDEO_PORT and MOTION_PORT both use port 8888"},
		{"snapshot disabled", "SNAPSHOT_PORT", "0", "SNAPSHOT_PORT is required"},
		{"small buffer", "REQUEST_BUFFER_SIZE", "100", "REQUEST_BUFFER_SIZE must be at least 512, got 100"},
		{"unknown capture", "CAPTURE_MODE", "v4l2", `CAPTURE_MODE must be one of none, uvc, command, got "v4l2"`},
		{"negative clients", "MAX_PUSH_CLIENTS", "-3", "MAX_PUSH_CLIENTS must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inTempDir(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load("")
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestValidate_UVCIDs(t *testing.T) {
	cfg := &Config{
		SnapshotPort:      8080,
		RequestBufferSize: 4096,
		CaptureMode:       CaptureUVC,
		UVCVendorID:       "1133",
		UVCProductID:      "0x10000",
	}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UVC_PRODUCT_ID must be a 16-bit id")

	cfg.UVCProductID = "0x0825"
	require.NoError(t, validate(cfg))

	vid, err := cfg.VendorID()
	require.NoError(t, err)
	assert.Equal(t, uint16(1133), vid)
}
