// ABOUTME: Loads the gateway bearer token from the environment or the XDG config dir.
// ABOUTME: LOOM_TOKEN wins over ~/.config/loom/token; SaveToken writes the file 0600.

package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvToken is the environment variable consulted before the token file.
const EnvToken = "LOOM_TOKEN"

// TokenPath returns the on-disk token location, honoring XDG_CONFIG_HOME.
func TokenPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "loom", "token"), nil
}

// LoadToken returns the bearer token from LOOM_TOKEN or the token file.
// An empty string means no token is configured.
func LoadToken() string {
	if token := os.Getenv(EnvToken); token != "" {
		return token
	}

	path, err := TokenPath()
	if err != nil {
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// SaveToken writes token to the token file, creating the config
// directory if needed, and returns the path written.
func SaveToken(token string) (string, error) {
	path, err := TokenPath()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("writing token file: %w", err)
	}

	return path, nil
}
