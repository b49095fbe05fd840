package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactCleaner removes the manifest files winget leaves next to downloaded installers.
type ArtifactCleaner struct {
	// Marker is a lower-case token that also identifies a manifest file name.
	Marker string
}

// AfterSuccess deletes *.yaml files in the download directory whose name
// contains the task id or the marker. It does nothing when KeepArtifacts is set
// or there is no download directory.
func (c ArtifactCleaner) AfterSuccess(spec CommandSpec, cmd Command) error {
	if spec.KeepArtifacts || cmd.OutputDir == "" {
		return nil
	}
	return c.Clean(cmd.OutputDir, spec.Key())
}

// Clean removes matching manifests from dir.
func (c ArtifactCleaner) Clean(dir, taskID string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read download directory: %w", err)
	}
	id := strings.ToLower(taskID)
	marker := strings.ToLower(c.Marker)

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if filepath.Ext(name) != ".yaml" {
			continue
		}
		if !(id != "" && strings.Contains(name, id)) && !(marker != "" && strings.Contains(name, marker)) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", entry.Name(), err))
		}
	}
	return errors.Join(errs...)
}
