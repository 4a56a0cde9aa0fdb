package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "camflow.json")
	raw := `{
		"model": {"threshold": 0.7},
		"udp": {"port": 6000},
		"tiling": {"enabled": false}
	}`
	require.NoError(t, os.WriteFile(filename, []byte(raw), 0644))

	cfg, err := LoadConfig(filename)
	require.NoError(t, err)
	require.Equal(t, float32(0.7), cfg.Model.Threshold)
	require.Equal(t, 320, cfg.Model.Width)
	require.Equal(t, 6000, cfg.UDP.Port)
	require.Equal(t, "127.0.0.1", cfg.UDP.Host)
	require.False(t, cfg.Tiling.Enabled)
	require.Len(t, cfg.Source.Streams, 2)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	filename := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(filename, []byte("{ not json"), 0644))
	_, err = LoadConfig(filename)
	require.ErrorContains(t, err, "JSON")
}

func TestSaveAndLoad(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "camflow.json")
	cfg := DefaultConfig()
	cfg.Encoder.Quality = 40
	cfg.Tiling.Tiles = []Tile{{X: 0, Y: 0, Width: 0.5, Height: 0.5}}
	require.NoError(t, cfg.Save(filename))

	loaded, err := LoadConfig(filename)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"no streams", func(c *Config) { c.Source.Streams = nil }},
		{"unknown main stream", func(c *Config) { c.MainStream = "nope" }},
		{"sync with same stream", func(c *Config) { c.Tiling.Enabled = false; c.DetectionStream = c.MainStream }},
		{"sync with wrong size", func(c *Config) { c.Tiling.Enabled = false }},
		{"threshold", func(c *Config) { c.Model.Threshold = 1.5 }},
		{"pool mode", func(c *Config) { c.Inference.PoolMode = "sometimes" }},
		{"tile outside frame", func(c *Config) { c.Tiling.Tiles = []Tile{{X: 0.8, Y: 0, Width: 0.5, Height: 0.5}} }},
		{"quality", func(c *Config) { c.Encoder.Quality = 0 }},
		{"port", func(c *Config) { c.UDP.Port = 70000 }},
		{"mtu", func(c *Config) { c.UDP.MTU = 10 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, stage.ErrConfiguration)
		})
	}

	// Sync mode is valid when the detection stream matches the model
	cfg := DefaultConfig()
	cfg.Tiling.Enabled = false
	cfg.Model.Width, cfg.Model.Height = 320, 240
	require.NoError(t, cfg.Validate())

	// Disabled UDP output doesn't need a port
	cfg = DefaultConfig()
	cfg.UDP.Enabled = false
	cfg.UDP.Port = 0
	require.NoError(t, cfg.Validate())
}
