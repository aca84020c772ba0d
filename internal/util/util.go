// Package util holds small helpers shared across the gateway: log level,
// path resolution, secret masking and the upstream HTTP transport.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/qwen-gateway/qwen-gateway/internal/config"
	log "github.com/sirupsen/logrus"
)

// SetLogLevel switches logrus to Debug when cfg.Debug is set and to Info otherwise.
func SetLogLevel(cfg *config.Config) {
	level := log.InfoLevel
	if cfg.Debug {
		level = log.DebugLevel
	}
	if prev := log.GetLevel(); prev != level {
		log.SetLevel(level)
		log.Infof("log level changed from %s to %s", prev, level)
	}
}

// ResolveDir expands environment variables and a leading "~" in dir and
// cleans the result. An empty dir stays empty.
func ResolveDir(dir string) (string, error) {
	dir = strings.TrimSpace(os.ExpandEnv(dir))
	if dir == "" {
		return "", nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") || strings.HasPrefix(dir, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve dir: %w", err)
		}
		rest := filepath.FromSlash(strings.ReplaceAll(dir[1:], `\`, "/"))
		return filepath.Join(home, rest), nil
	}
	return filepath.Clean(dir), nil
}

// WritablePath is WRITABLE_PATH, cleaned, for deployments whose working
// directory is read-only. Empty when unset.
func WritablePath() string {
	value := strings.TrimSpace(os.Getenv("WRITABLE_PATH"))
	if value == "" {
		return ""
	}
	return filepath.Clean(value)
}
