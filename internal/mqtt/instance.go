package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceIDFile holds the monitor's device identity in the data
// directory. Deleting it makes Home Assistant treat the thermostat as
// a brand-new device, losing entity history.
const instanceIDFile = "monitor_id"

// LoadOrCreateInstanceID returns the monitor's persistent instance ID,
// generating and persisting a UUIDv7 on first run. Home Assistant uses
// it as the device identifier, so the thermostat's entity history
// survives renames of the device_name config field. A present but
// blank file is treated as first run.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate monitor instance ID: %w", err)
	}

	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist monitor instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}
