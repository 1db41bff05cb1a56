package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigPath returns the config file location for the current
// workspace.
func DefaultConfigPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return filepath.Join(".blocksmith", "config.yaml")
	}
	return filepath.Join(root, ".blocksmith", "config.yaml")
}

// FindWorkspaceRoot finds the project root by walking up from the current
// directory looking for a .blocksmith directory or a go.mod file. If
// neither is found the current working directory is returned.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".blocksmith")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
