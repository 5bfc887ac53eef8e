// Package plugins discovers native plugins from manifest files and caches
// their descriptors.
//
// Model:
//   - A plugin ships a manifest "<name>.plugin.json" holding its descriptor;
//     a relative "path" points at the Go plugin file next to it.
//   - Scan returns lightweight PluginInfo entries (no parameters).
//   - Introspect reads and validates the full descriptor of one entry.
//   - Catalog keeps the quick index and the details on disk and reuses
//     them while the manifest and binary are unchanged.
package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shaban/audiocore/engine/plugin"
)

// ManifestSuffix marks plugin manifest files.
const ManifestSuffix = ".plugin.json"

var (
	ErrNotFound    = errors.New("plugins: plugin not found")
	ErrBadManifest = errors.New("plugins: invalid manifest")
)

// PluginInfo is the quick-scan view of one plugin.
type PluginInfo struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Vendor   string      `json:"vendor,omitempty"`
	Version  string      `json:"version,omitempty"`
	Kind     plugin.Kind `json:"kind"`
	Category string      `json:"category,omitempty"`
	Manifest string      `json:"manifest"`
	Binary   string      `json:"binary,omitempty"`
	Checksum string      `json:"checksum"`
}

// manifest is the on-disk format: a descriptor plus catalog metadata.
type manifest struct {
	plugin.Descriptor
	Category string `json:"category,omitempty"`
}

func readManifest(path string) (manifest, []byte, error) {
	var m manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, nil, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, nil, fmt.Errorf("%w: %s: %v", ErrBadManifest, path, err)
	}
	if m.ID == "" {
		return m, nil, fmt.Errorf("%w: %s: missing id", ErrBadManifest, path)
	}
	if m.Path != "" && !filepath.IsAbs(m.Path) {
		m.Path = filepath.Join(filepath.Dir(path), m.Path)
	}
	return m, b, nil
}

// checksum covers the manifest bytes and the binary's size and mtime.
func checksum(raw []byte, binary string) string {
	h := sha256.New()
	h.Write(raw)
	if binary != "" {
		if st, err := os.Stat(binary); err == nil {
			fmt.Fprintf(h, "|%d|%d", st.Size(), st.ModTime().UnixNano())
		} else {
			h.Write([]byte("|missing"))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Scan walks dirs for manifests. Broken manifests are reported in the
// joined error while the valid entries are still returned; the first
// manifest for an id wins.
func Scan(dirs ...string) (PluginInfos, error) {
	var (
		infos PluginInfos
		errs  []error
		seen  = map[string]string{}
	)
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ManifestSuffix) {
				return nil
			}
			m, raw, err := readManifest(path)
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			if first, dup := seen[m.ID]; dup {
				errs = append(errs, fmt.Errorf("plugins: %s duplicates id %q of %s", path, m.ID, first))
				return nil
			}
			seen[m.ID] = path
			infos = append(infos, PluginInfo{
				ID: m.ID, Name: m.Name, Vendor: m.Vendor, Version: m.Version, Kind: m.Kind,
				Category: m.Category, Manifest: path, Binary: m.Path, Checksum: checksum(raw, m.Path),
			})
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("plugins: scan %s: %w", dir, err))
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, errors.Join(errs...)
}

// Introspect reads the full descriptor of info and checks that it can be
// loaded by this host.
func (info PluginInfo) Introspect() (plugin.Descriptor, error) {
	m, _, err := readManifest(info.Manifest)
	if err != nil {
		return plugin.Descriptor{}, err
	}
	d := m.Descriptor
	if d.ABIVersion != 0 && d.ABIVersion != plugin.HostABIVersion {
		return d, &plugin.LoadError{ID: d.ID, Path: d.Path,
			Err: fmt.Errorf("%w: plugin %d, host %d", plugin.ErrABIMismatch, d.ABIVersion, plugin.HostABIVersion)}
	}
	if d.Path != "" {
		if _, err := os.Stat(d.Path); err != nil {
			return d, &plugin.LoadError{ID: d.ID, Path: d.Path, Err: fmt.Errorf("%w: %v", plugin.ErrMissingBinary, err)}
		}
	}
	for i := range d.Params {
		d.Params[i].Index = i
	}
	return d, nil
}

// PluginInfos represents a collection of PluginInfo objects with filtering methods
type PluginInfos []PluginInfo

// ByVendor returns plugin infos from a specific vendor
func (infos PluginInfos) ByVendor(vendor string) PluginInfos {
	var filtered PluginInfos
	for _, info := range infos {
		if info.Vendor == vendor {
			filtered = append(filtered, info)
		}
	}
	return filtered
}

// ByKind returns plugin infos of one kind (instrument, effect, ...)
func (infos PluginInfos) ByKind(kind plugin.Kind) PluginInfos {
	var filtered PluginInfos
	for _, info := range infos {
		if info.Kind == kind {
			filtered = append(filtered, info)
		}
	}
	return filtered
}

// ByName returns plugin infos whose name contains pattern (case-insensitive)
func (infos PluginInfos) ByName(pattern string) PluginInfos {
	var filtered PluginInfos
	for _, info := range infos {
		if matchesPattern(info.Name, pattern) {
			filtered = append(filtered, info)
		}
	}
	return filtered
}

// ByCategory returns plugin infos of a specific category
func (infos PluginInfos) ByCategory(category string) PluginInfos {
	var filtered PluginInfos
	for _, info := range infos {
		if info.Category == category {
			filtered = append(filtered, info)
		}
	}
	return filtered
}

// Find returns the entry for id.
func (infos PluginInfos) Find(id string) (PluginInfo, bool) {
	for _, info := range infos {
		if info.ID == id {
			return info, true
		}
	}
	return PluginInfo{}, false
}

func matchesPattern(name, pattern string) bool {
	return strings.Contains(strings.ToUpper(name), strings.ToUpper(pattern))
}

// Plugins is a set of introspected descriptors.
type Plugins []plugin.Descriptor

// WithParameters returns plugins that have at least one parameter
func (plugins Plugins) WithParameters() Plugins {
	var filtered Plugins
	for _, p := range plugins {
		if len(p.Params) > 0 {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// Instruments returns plugins that accept events and produce audio.
func (plugins Plugins) Instruments() Plugins {
	var filtered Plugins
	for _, p := range plugins {
		if p.EventIn > 0 && p.AudioOut > 0 && p.AudioIn == 0 {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// Summary returns a brief summary of the plugin
func Summary(d plugin.Descriptor) string {
	return fmt.Sprintf("%s (%s) - %d parameters", d.Name, d.Vendor, len(d.Params))
}
