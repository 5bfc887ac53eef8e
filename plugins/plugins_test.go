package plugins

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/audiocore/engine/param"
	"github.com/shaban/audiocore/engine/plugin"
)

func writeManifest(t *testing.T, dir, file string, m manifest) string {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(dir, file)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func fixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "verb.so"), []byte("binary"), 0o644))
	writeManifest(t, dir, "verb"+ManifestSuffix, manifest{
		Descriptor: plugin.Descriptor{ID: "acme.verb", Name: "Big Verb", Vendor: "Acme", Kind: plugin.KindEffect,
			AudioIn: 1, AudioOut: 1, Path: "verb.so",
			Params: []param.Info{{Name: "Mix", Max: 1, Default: 0.3}, {Name: "Size", Max: 1, Default: 0.5}}},
		Category: "Reverb",
	})
	writeManifest(t, dir, "synths/pad"+ManifestSuffix, manifest{
		Descriptor: plugin.Descriptor{ID: "acme.pad", Name: "Pad Synth", Vendor: "Acme", Kind: plugin.KindInstrument,
			AudioOut: 1, EventIn: 1},
		Category: "Synth",
	})
	return dir
}

func TestScan(t *testing.T) {
	dir := fixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"+ManifestSuffix), []byte("{"), 0o644))
	writeManifest(t, dir, "zz/copy"+ManifestSuffix, manifest{Descriptor: plugin.Descriptor{ID: "acme.pad", Name: "Copy"}})

	infos, err := Scan(dir, filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrBadManifest)
	require.Len(t, infos, 2)
	assert.Equal(t, "acme.pad", infos[0].ID)
	assert.Equal(t, "Pad Synth", infos[0].Name, "first manifest wins")
	assert.Equal(t, filepath.Join(dir, "verb.so"), infos[1].Binary)
	assert.NotEmpty(t, infos[1].Checksum)

	assert.Len(t, infos.ByVendor("Acme"), 2)
	assert.Len(t, infos.ByKind(plugin.KindInstrument), 1)
	assert.Len(t, infos.ByName("verb"), 1)
	assert.Len(t, infos.ByCategory("Synth"), 1)
	_, ok := infos.Find("acme.verb")
	assert.True(t, ok)
}

func TestIntrospect(t *testing.T) {
	dir := fixture(t)
	infos, err := Scan(dir)
	require.NoError(t, err)

	verb, _ := infos.Find("acme.verb")
	d, err := verb.Introspect()
	require.NoError(t, err)
	require.Len(t, d.Params, 2)
	assert.Equal(t, 1, d.Params[1].Index)
	assert.Equal(t, "Big Verb (Acme) - 2 parameters", Summary(d))
	assert.Len(t, Plugins{d}.WithParameters(), 1)
	assert.Empty(t, Plugins{d}.Instruments())

	require.NoError(t, os.Remove(filepath.Join(dir, "verb.so")))
	_, err = verb.Introspect()
	assert.ErrorIs(t, err, plugin.ErrMissingBinary)

	path := writeManifest(t, dir, "old"+ManifestSuffix, manifest{
		Descriptor: plugin.Descriptor{ID: "acme.old", Name: "Old", ABIVersion: plugin.HostABIVersion - 1}})
	_, err = PluginInfo{ID: "acme.old", Manifest: path}.Introspect()
	var le *plugin.LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, plugin.ErrABIMismatch)
}

type countingHook struct {
	nopHook
	mu               sync.Mutex
	hits, misses     int
	lastDone, lastOf int
}

func (h *countingHook) OnCacheHit(string) {
	h.mu.Lock()
	h.hits++
	h.mu.Unlock()
}

func (h *countingHook) OnCacheMiss(string) {
	h.mu.Lock()
	h.misses++
	h.mu.Unlock()
}

func (h *countingHook) OnWarmProgress(total, completed int) {
	h.mu.Lock()
	if completed > h.lastDone {
		h.lastDone = completed
	}
	h.lastOf = total
	h.mu.Unlock()
}

func TestCatalog_DetailsCachedOnDisk(t *testing.T) {
	dir := fixture(t)
	cache := t.TempDir()

	c, err := NewCatalog([]string{dir}, cache)
	require.NoError(t, err)
	hook := &countingHook{}
	c.SetMetricsHook(hook)

	d, err := c.Plugin("acme.verb")
	require.NoError(t, err)
	assert.Equal(t, "Big Verb", d.Name)
	_, err = c.Plugin("acme.verb")
	require.NoError(t, err)
	assert.Equal(t, 1, hook.misses)
	assert.Equal(t, 1, hook.hits)

	_, err = c.Plugin("acme.nothing")
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := NewCatalog([]string{dir}, cache)
	require.NoError(t, err)
	hook2 := &countingHook{}
	again.SetMetricsHook(hook2)
	infos, err := again.Quick()
	require.NoError(t, err)
	assert.Len(t, infos, 2, "index loaded from disk")
	_, ok := again.Lookup("acme.verb")
	assert.True(t, ok)
	assert.Equal(t, 1, hook2.hits)
}

func TestCatalog_RefreshDetectsChanges(t *testing.T) {
	dir := fixture(t)
	c, err := NewCatalog([]string{dir}, t.TempDir())
	require.NoError(t, err)
	hook := &countingHook{}
	c.SetMetricsHook(hook)
	_, err = c.Plugin("acme.verb")
	require.NoError(t, err)

	writeManifest(t, dir, "verb"+ManifestSuffix, manifest{
		Descriptor: plugin.Descriptor{ID: "acme.verb", Name: "Bigger Verb", Kind: plugin.KindEffect,
			AudioIn: 1, AudioOut: 1, Path: "verb.so"}})
	require.NoError(t, os.Remove(filepath.Join(dir, "synths", "pad"+ManifestSuffix)))
	writeManifest(t, dir, "comp"+ManifestSuffix, manifest{
		Descriptor: plugin.Descriptor{ID: "acme.comp", Name: "Comp", Kind: plugin.KindEffect}})

	diff, err := c.Refresh()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme.comp"}, diff.Added)
	assert.Equal(t, []string{"acme.pad"}, diff.Removed)
	assert.Equal(t, []string{"acme.verb"}, diff.Changed)

	d, err := c.Plugin("acme.verb")
	require.NoError(t, err)
	assert.Equal(t, "Bigger Verb", d.Name)
	assert.Equal(t, 2, hook.misses, "changed plugin is introspected again")
}

func TestCatalog_Warm(t *testing.T) {
	c, err := NewCatalog([]string{fixture(t)}, "")
	require.NoError(t, err)
	hook := &countingHook{}
	c.SetMetricsHook(hook)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Warm(ctx, nil, 4))
	assert.Equal(t, 2, hook.lastOf)
	assert.Equal(t, 2, hook.lastDone)

	require.NoError(t, c.Warm(ctx, func(i PluginInfo) bool { return i.Kind == plugin.KindInstrument }, 1))
	assert.Equal(t, 1, hook.lastOf)
}
