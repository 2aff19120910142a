// Package config loads coursepack configuration from TOML.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Environment overrides.
const (
	EnvConfig  = "COURSEPACK_CONFIG"
	EnvProject = "COURSEPACK_PROJECT"
)

// DefaultFileName is looked up in the working directory when no path is given.
const DefaultFileName = "coursepack.toml"

// Project locates the authoring project on disk.
type Project struct {
	Dir      string `toml:"dir"`
	Database string `toml:"database"`
	Document string `toml:"document"`
}

// Cache tunes the ephemeral handle cache.
type Cache struct {
	GraceSeconds int    `toml:"grace_seconds"`
	MaxMiB       int    `toml:"max_mib"`
	PreviewMaxPx int    `toml:"preview_max_px"`
	TempDir      string `toml:"temp_dir"`
}

// Preload tunes background preloading.
type Preload struct {
	DelayMS       int `toml:"delay_ms"`
	Workers       int `toml:"workers"`
	AdjacentPages int `toml:"adjacent_pages"`
}

// Export controls bundle layout.
type Export struct {
	MediaDir string `toml:"media_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values.
type Config struct {
	Project Project `toml:"project"`
	Cache   Cache   `toml:"cache"`
	Preload Preload `toml:"preload"`
	Export  Export  `toml:"export"`
	Logging Logging `toml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Project: Project{Dir: ".", Database: "coursepack.db", Document: "course.yaml"},
		Cache:   Cache{GraceSeconds: 30, MaxMiB: 256, PreviewMaxPx: 1280},
		Preload: Preload{DelayMS: 1500, Workers: 2, AdjacentPages: 1},
		Export:  Export{MediaDir: "media"},
		Logging: Logging{Level: "info", Format: "console"},
	}
}

// SampleConfig returns the commented sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. A missing file
// yields defaults. It returns the resolved path and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if dir := strings.TrimSpace(os.Getenv(EnvProject)); dir != "" {
		cfg.Project.Dir = dir
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfig))
	}
	if path == "" {
		path = DefaultFileName
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

func (c *Config) normalize() error {
	dir, err := expandPath(c.Project.Dir)
	if err != nil {
		return err
	}
	c.Project.Dir = dir
	if c.Cache.TempDir != "" {
		tmp, err := expandPath(c.Cache.TempDir)
		if err != nil {
			return err
		}
		c.Cache.TempDir = tmp
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.Dir) == "" {
		return errors.New("project.dir must be set")
	}
	if strings.TrimSpace(c.Project.Database) == "" {
		return errors.New("project.database must be set")
	}
	if strings.TrimSpace(c.Project.Document) == "" {
		return errors.New("project.document must be set")
	}
	if c.Cache.GraceSeconds < 0 {
		return errors.New("cache.grace_seconds must be >= 0")
	}
	if c.Cache.MaxMiB <= 0 {
		return errors.New("cache.max_mib must be positive")
	}
	if c.Cache.PreviewMaxPx < 16 {
		return errors.New("cache.preview_max_px must be at least 16")
	}
	if c.Preload.DelayMS < 0 {
		return errors.New("preload.delay_ms must be >= 0")
	}
	if c.Preload.Workers < 1 {
		return errors.New("preload.workers must be at least 1")
	}
	if c.Preload.AdjacentPages < 0 {
		return errors.New("preload.adjacent_pages must be >= 0")
	}
	media := strings.TrimSpace(c.Export.MediaDir)
	if media == "" || filepath.IsAbs(media) || strings.Contains(media, "..") {
		return fmt.Errorf("export.media_dir %q must be a relative directory name", c.Export.MediaDir)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format)
	}
	return nil
}

// DatabasePath returns the absolute SQLite path.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Project.Database)
}

// DocumentPath returns the absolute course document path.
func (c *Config) DocumentPath() string {
	return c.resolve(c.Project.Document)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Project.Dir, p)
}

// GraceInterval is how long an idle handle lives.
func (c *Config) GraceInterval() time.Duration {
	return time.Duration(c.Cache.GraceSeconds) * time.Second
}

// MaxBytes is the handle cache memory budget.
func (c *Config) MaxBytes() int64 {
	return int64(c.Cache.MaxMiB) << 20
}

// PreloadDelay is the pause before background preload starts.
func (c *Config) PreloadDelay() time.Duration {
	return time.Duration(c.Preload.DelayMS) * time.Millisecond
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
