package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeviceIDFileName is the device id file name under the home directory.
const DeviceIDFileName = "device.id"

// GetOrCreateDeviceID loads the stable device id from home, generating and
// saving a new one on first use.
func GetOrCreateDeviceID(home string) (string, error) {
	path := filepath.Join(home, DeviceIDFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		return "", fmt.Errorf("invalid device id in %s", path)
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(home, 0o700); err != nil {
		return "", fmt.Errorf("failed to create home: %w", err)
	}
	// Restrictive permissions.
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("failed to save device id: %w", err)
	}
	return id, nil
}
