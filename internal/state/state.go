// Package state persists per-axis controller snapshots across restarts.
// The file holds a map of axis name to snapshot; on startup the snapshots
// re-hydrate gains, offset and the last target, while mode flags are
// always forced off so a restarted controller never moves on its own.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/servo"
)

// File is a collection of persisted snapshots keyed by axis name.
type File map[string]servo.Snapshot

// Load reads a state file. A missing file is not an error: it simply
// yields an empty collection, as on first start.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return f, nil
}

// Save writes the collection atomically: the file is replaced only after
// the new contents are fully on disk.
func Save(path string, f File) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// Restore applies any matching snapshots to the registry's axes.
func Restore(registry *servo.Registry, f File) {
	for _, axis := range registry.List() {
		snapshot, ok := f[axis.Config.Name]
		if !ok {
			continue
		}
		axis.Controller.Restore(snapshot)
		log.Printf("state: restored axis %s (target %.0f, offset %.0f)",
			axis.Config.Name, snapshot.Target, snapshot.Offset)
	}
}

// Collect gathers current snapshots from the registry's axes.
func Collect(registry *servo.Registry) File {
	f := File{}
	for _, axis := range registry.List() {
		f[axis.Config.Name] = axis.Controller.Snapshot()
	}
	return f
}
