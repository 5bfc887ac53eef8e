package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shaban/audiocore/engine/plugin"
)

const (
	indexVersion   = "2.0-index"
	detailsVersion = "2.0-details"
)

type indexEntry struct {
	PluginInfo
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type indexFile struct {
	Version   string                `json:"version"`
	UpdatedAt time.Time             `json:"updatedAt"`
	Entries   map[string]indexEntry `json:"entries"`
}

type detailsFile struct {
	Version          string            `json:"version"`
	LastIntrospected time.Time         `json:"lastIntrospected"`
	Checksum         string            `json:"checksum"`
	Plugin           plugin.Descriptor `json:"plugin"`
}

func newIndex(infos PluginInfos) *indexFile {
	idx := &indexFile{Version: indexVersion, UpdatedAt: time.Now(), Entries: map[string]indexEntry{}}
	for _, info := range infos {
		idx.Entries[info.ID] = indexEntry{PluginInfo: info, LastSeenAt: idx.UpdatedAt}
	}
	return idx
}

func (idx *indexFile) infos() PluginInfos {
	out := make(PluginInfos, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		out = append(out, e.PluginInfo)
	}
	return out
}

// cacheStore persists the index and per-plugin details under dir. A zero
// dir disables persistence.
type cacheStore struct {
	dir string
}

func (c cacheStore) paths() (string, string, error) {
	details := filepath.Join(c.dir, "details")
	if err := os.MkdirAll(details, 0o755); err != nil {
		return "", "", err
	}
	return filepath.Join(c.dir, "index.json"), details, nil
}

func (c cacheStore) loadIndex() (*indexFile, error) {
	empty := &indexFile{Version: indexVersion, Entries: map[string]indexEntry{}}
	if c.dir == "" {
		return empty, nil
	}
	idxPath, _, err := c.paths()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(idxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return nil, err
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	if idx.Version != indexVersion || idx.Entries == nil {
		return empty, nil
	}
	return &idx, nil
}

func writeAtomic(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c cacheStore) saveIndex(idx *indexFile) error {
	if c.dir == "" {
		return nil
	}
	idxPath, _, err := c.paths()
	if err != nil {
		return err
	}
	idx.Version = indexVersion
	return writeAtomic(idxPath, idx)
}

func detailFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".json"
}

func (c cacheStore) readDetails(key string) (plugin.Descriptor, string, error) {
	if c.dir == "" {
		return plugin.Descriptor{}, "", os.ErrNotExist
	}
	_, details, err := c.paths()
	if err != nil {
		return plugin.Descriptor{}, "", err
	}
	data, err := os.ReadFile(filepath.Join(details, detailFileName(key)))
	if err != nil {
		return plugin.Descriptor{}, "", err
	}
	var df detailsFile
	if err := json.Unmarshal(data, &df); err != nil {
		return plugin.Descriptor{}, "", err
	}
	if df.Version != detailsVersion || df.Plugin.ID != key {
		return plugin.Descriptor{}, "", fmt.Errorf("plugins: invalid details file for %s", key)
	}
	return df.Plugin, df.Checksum, nil
}

func (c cacheStore) writeDetails(key, checksum string, d plugin.Descriptor) error {
	if c.dir == "" {
		return nil
	}
	_, details, err := c.paths()
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(details, detailFileName(key)),
		detailsFile{Version: detailsVersion, LastIntrospected: time.Now(), Checksum: checksum, Plugin: d})
}

// deleteDetails removes the cached details of key (best-effort).
func (c cacheStore) deleteDetails(key string) error {
	if c.dir == "" {
		return nil
	}
	_, details, err := c.paths()
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(details, detailFileName(key))); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
