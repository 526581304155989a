package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// clientIDFile holds the generated client ID inside the data directory.
const clientIDFile = "mqtt_client_id"

// ResolveClientID returns configured when set. Otherwise it reads the
// client ID persisted in dataDir, generating and storing one on first
// use, so a restarted process resumes its broker session while two
// installations sharing a broker never collide.
func ResolveClientID(dataDir, configured string) (string, error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured, nil
	}

	path := filepath.Join(dataDir, clientIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate mqtt client ID: %w", err)
	}
	// The random tail of a v7 UUID; the leading bits are a timestamp.
	s := strings.ReplaceAll(u.String(), "-", "")
	id := "oracle-" + s[len(s)-12:]
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist mqtt client ID to %s: %w", path, err)
	}
	return id, nil
}
