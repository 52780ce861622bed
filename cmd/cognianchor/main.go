package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cognianchor/cognianchor/pkg/config"
	"github.com/cognianchor/cognianchor/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "cognianchor"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath honours COGNIANCHOR_CONFIG, then ~/.cognianchor/config.json.
func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("COGNIANCHOR_CONFIG")); p != "" {
		return config.ExpandHome(p)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cognianchor", "config.json")
}

// loadConfig reads .env files from the working directory, then the config
// file and environment, and applies the log settings.
func loadConfig(debug bool) (*config.Config, error) {
	if err := config.LoadDotEnv("."); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger.Configure(os.Stderr, cfg.Log.JSON)
	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
	return cfg, nil
}
