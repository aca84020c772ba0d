// Package misc holds operator-facing helpers used by the login commands and
// the session cache: progress notices and first-run config bootstrap.
package misc

import (
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var credentialSeparator = strings.Repeat("-", 67)

// LogSavingCredentials records that a Qwen session is being written to path.
// The token itself is never logged.
func LogSavingCredentials(path string, expiresAt *time.Time) {
	if path == "" {
		return
	}
	entry := log.WithField("path", filepath.Clean(path))
	if expiresAt != nil && !expiresAt.IsZero() {
		entry.Infof("saving qwen session, expires %s", expiresAt.UTC().Format(time.RFC3339))
		return
	}
	entry.Info("saving qwen session")
}

// LogCredentialSeparator adds a visual separator ahead of a login run.
func LogCredentialSeparator() {
	log.Debug(credentialSeparator)
}
