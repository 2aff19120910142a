package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleMatchesDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, toml.Unmarshal([]byte(SampleConfig()), &cfg))
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvProject, "")
	path := filepath.Join(t.TempDir(), "absent.toml")

	cfg, resolved, exists, err := Load(path)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, path, resolved)
	assert.Equal(t, 30*time.Second, cfg.GraceInterval())
	assert.Equal(t, int64(256<<20), cfg.MaxBytes())
	assert.True(t, filepath.IsAbs(cfg.Project.Dir))
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coursepack.toml")
	body := `
[project]
dir = "` + filepath.ToSlash(dir) + `"
database = "media.db"

[cache]
grace_seconds = 2
max_mib = 8
preview_max_px = 640

[preload]
delay_ms = 0
workers = 4
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvProject, "")

	cfg, _, exists, err := Load("")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, filepath.Join(dir, "media.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join(dir, "course.yaml"), cfg.DocumentPath())
	assert.Equal(t, 4, cfg.Preload.Workers)
	assert.Equal(t, time.Duration(0), cfg.PreloadDelay())

	other := t.TempDir()
	t.Setenv(EnvProject, other)
	cfg, _, _, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(other, "media.db"), cfg.DatabasePath())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[cache]\ngrace = 3\n"), 0o644))
	_, _, _, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"workers":   func(c *Config) { c.Preload.Workers = 0 },
		"max_mib":   func(c *Config) { c.Cache.MaxMiB = 0 },
		"grace":     func(c *Config) { c.Cache.GraceSeconds = -1 },
		"media_dir": func(c *Config) { c.Export.MediaDir = "../out" },
		"level":     func(c *Config) { c.Logging.Level = "loud" },
		"database":  func(c *Config) { c.Project.Database = " " },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}
