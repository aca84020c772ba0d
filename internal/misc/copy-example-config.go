package misc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// CopyConfigTemplate creates dst from the template at src. It never replaces
// an existing dst; in that case the returned error wraps fs.ErrExist.
// The copy is owner-readable only since it will hold account credentials.
func CopyConfigTemplate(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open config template: %w", err)
	}
	defer func() { _ = in.Close() }()

	if err = os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}

	_, err = io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if errClose := out.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		if errRemove := os.Remove(dst); errRemove != nil {
			log.WithError(errRemove).Warnf("failed to remove partial config %s", dst)
		}
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
