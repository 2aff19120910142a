// Package cli implements the coursepack CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/coursepack/internal/config"
	"github.com/rcliao/coursepack/internal/logging"
	"github.com/rcliao/coursepack/internal/project"
)

var (
	configPath  string
	projectDir  string
	formatFlag  string
	activeClose func()
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "coursepack",
	Short: "Media registry and export for multi-page courses",
	Long: "Tracks the media on every page of a course: stable ids, orphan repair,\n" +
		"decoded previews, and a path-stable export bundle.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $COURSEPACK_CONFIG or ./coursepack.toml)")
	RootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", "", "Project directory (overrides config)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json, text, or auto")
	RootCmd.PersistentFlags().String("log-level", "", "Log level (overrides config)")
}

func loadConfig(cmd *cobra.Command) *config.Config {
	cfg, _, _ := loadConfigFile(cmd)
	return cfg
}

// loadConfigFile applies --project and --log-level on top of the config
// file and reports where the file was looked for.
func loadConfigFile(cmd *cobra.Command) (*config.Config, string, bool) {
	if projectDir != "" {
		os.Setenv(config.EnvProject, projectDir)
	}
	cfg, path, exists, err := config.Load(configPath)
	if err != nil {
		exitErr("load config", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, path, exists
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		exitErr("logger", err)
	}
	return logger
}

// openProject opens the configured project. exitErr closes it on the way
// out so the lock and preview directory never outlive a failed command.
func openProject(cmd *cobra.Command) *project.Project {
	cfg := loadConfig(cmd)
	logger := newLogger(cfg)
	p, err := project.Open(cmd.Context(), cfg, logger)
	if err != nil {
		exitErr("open project", err)
	}
	activeClose = func() {
		p.Close()
		logger.Sync()
	}
	return p
}

func closeProject(p *project.Project) {
	activeClose = nil
	if err := p.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: close project: %v\n", err)
	}
}

func exitErr(msg string, err error) {
	if activeClose != nil {
		activeClose()
	}
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// textOutput reports whether the selected format renders tables.
func textOutput() bool {
	switch strings.ToLower(formatFlag) {
	case "text":
		return true
	case "auto":
		return isTerminal(os.Stdout)
	default:
		return false
	}
}

// parseMeta decodes a --meta JSON object.
func parseMeta(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("invalid --meta JSON: %w", err)
	}
	return meta, nil
}
