// SPDX-License-Identifier: MIT

package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

const manifestName = "manifest.json"

// Entry records one cached video. Uniquely keyed by URL.
type Entry struct {
	URL        string    `json:"url"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	AccessedAt time.Time `json:"accessedAt"`
}

// manifest is the persisted index of the cache directory. Slice order is
// preserved across save/load cycles; eviction uses it to break AccessedAt ties.
type manifest struct {
	Entries []Entry `json:"entries"`
}

// loadManifest reads the manifest file. A missing or corrupt manifest is not
// an error: the cache simply starts empty and rebuilds from scratch.
func loadManifest(path string) manifest {
	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to the cache dir
	if err != nil {
		return manifest{}
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}
	}
	return m
}

// saveManifest writes the manifest atomically and durably. renameio handles
// temp file creation, fsync and the atomic rename, so a crash mid-write never
// leaves a truncated manifest behind.
func saveManifest(path string, m manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
