// Package identity provides the daemon's stable device identity. Every
// relay channel and broker exchange is scoped by this id, so it must
// survive restarts.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const deviceIDFile = "device_id"

var deviceIDPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

// LoadOrCreateDeviceID returns the device id persisted under baseDir,
// minting and storing a fresh one on first run. A corrupt file is
// replaced rather than reused: a malformed id would leak into channel
// names and broker capabilities.
func LoadOrCreateDeviceID(baseDir string) (string, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return "", fmt.Errorf("create identity dir: %w", err)
	}

	path := filepath.Join(baseDir, deviceIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if IsValidDeviceID(id) {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := writeDeviceID(path, id); err != nil {
		return "", err
	}
	return id, nil
}

// IsValidDeviceID reports whether id is a lowercase UUID.
func IsValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// writeDeviceID persists atomically so a crash mid-write cannot leave a
// truncated id behind.
func writeDeviceID(path, id string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("write device id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist device id: %w", err)
	}
	return nil
}
