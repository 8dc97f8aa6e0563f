// Package bootstrap seeds a starter config file on first run so the gateway
// comes up with documented defaults instead of a bare error.
package bootstrap

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed templates/config.json5
var templateFS embed.FS

// EnsureConfigFile writes the starter config template to path unless a file
// already exists there. Returns whether it wrote anything.
func EnsureConfigFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config: %w", err)
	}

	content, err := templateFS.ReadFile("templates/config.json5")
	if err != nil {
		return false, fmt.Errorf("read config template: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
