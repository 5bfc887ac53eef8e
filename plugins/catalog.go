package plugins

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/shaban/audiocore/engine/plugin"
)

// Catalog is the persistent plugin index of a set of manifest directories.
type Catalog struct {
	dirs  []string
	store cacheStore
	hook  MetricsHook
	group singleflight.Group

	mu  sync.RWMutex
	idx *indexFile
}

// NewCatalog loads the cached index from cacheDir. An empty cacheDir keeps
// everything in memory.
func NewCatalog(dirs []string, cacheDir string) (*Catalog, error) {
	c := &Catalog{dirs: dirs, store: cacheStore{dir: cacheDir}, hook: nopHook{}}
	idx, err := c.store.loadIndex()
	if err != nil {
		return nil, fmt.Errorf("plugins: load index: %w", err)
	}
	c.idx = idx
	return c, nil
}

// SetMetricsHook installs h; nil removes it.
func (c *Catalog) SetMetricsHook(h MetricsHook) {
	if h == nil {
		h = nopHook{}
	}
	c.hook = h
}

// Quick returns the cached index, scanning when it is empty.
func (c *Catalog) Quick() (PluginInfos, error) {
	start := time.Now()
	c.mu.RLock()
	idx := c.idx
	c.mu.RUnlock()
	if len(idx.Entries) > 0 {
		infos := idx.infos()
		c.hook.OnQuickScanDone(time.Since(start), len(infos), false)
		return infos, nil
	}
	if _, err := c.Refresh(); err != nil && len(c.snapshot().Entries) == 0 {
		return nil, err
	}
	infos := c.snapshot().infos()
	c.hook.OnQuickScanDone(time.Since(start), len(infos), true)
	return infos, nil
}

func (c *Catalog) snapshot() *indexFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idx
}

// QuickDiff lists the ids that appeared, vanished or changed in a refresh.
type QuickDiff struct{ Added, Removed, Changed []string }

// Refresh rescans the directories, reconciles the index and drops cached
// details of removed or changed plugins. Manifest errors are returned
// alongside a successful refresh of the valid entries.
func (c *Catalog) Refresh() (QuickDiff, error) {
	t0 := time.Now()
	infos, scanErr := Scan(c.dirs...)
	newIdx := newIndex(infos)

	old := c.snapshot()
	var diff QuickDiff
	for id, ov := range old.Entries {
		nv, ok := newIdx.Entries[id]
		switch {
		case !ok:
			diff.Removed = append(diff.Removed, id)
		case ov.Checksum != nv.Checksum:
			diff.Changed = append(diff.Changed, id)
		}
	}
	for id := range newIdx.Entries {
		if _, ok := old.Entries[id]; !ok {
			diff.Added = append(diff.Added, id)
		}
	}

	c.mu.Lock()
	c.idx = newIdx
	err := c.store.saveIndex(newIdx)
	c.mu.Unlock()
	for _, id := range append(diff.Removed, diff.Changed...) {
		_ = c.store.deleteDetails(id)
	}
	c.hook.OnRefreshQuickDiff(len(diff.Added), len(diff.Removed), len(diff.Changed), time.Since(t0))
	if err != nil {
		return diff, fmt.Errorf("plugins: save index: %w", err)
	}
	return diff, scanErr
}

// Plugin returns the full descriptor of id, from the details cache when
// its checksum still matches. Concurrent calls for one id share a fetch.
func (c *Catalog) Plugin(id string) (plugin.Descriptor, error) {
	v, err, _ := c.group.Do(id, func() (any, error) { return c.fetch(id) })
	if err != nil {
		return plugin.Descriptor{}, err
	}
	return v.(plugin.Descriptor), nil
}

func (c *Catalog) fetch(id string) (plugin.Descriptor, error) {
	e, ok := c.snapshot().Entries[id]
	if !ok {
		if _, err := c.Quick(); err != nil {
			return plugin.Descriptor{}, err
		}
		if e, ok = c.snapshot().Entries[id]; !ok {
			return plugin.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	if d, chk, err := c.store.readDetails(id); err == nil && chk == e.Checksum {
		c.hook.OnCacheHit(id)
		return d, nil
	}
	c.hook.OnCacheMiss(id)

	t0 := time.Now()
	d, err := e.Introspect()
	c.hook.OnDetailsFetchDone(id, time.Since(t0), err == nil)
	if err != nil {
		return plugin.Descriptor{}, err
	}
	_ = c.store.writeDetails(id, e.Checksum, d)
	return d, nil
}

// Lookup adapts Plugin to the registry lookup shape.
func (c *Catalog) Lookup(id string) (plugin.Descriptor, bool) {
	d, err := c.Plugin(id)
	return d, err == nil
}

// Warm introspects the entries chosen by selector with bounded concurrency
// so later Plugin calls hit the cache. It stops at the first error.
func (c *Catalog) Warm(ctx context.Context, selector func(PluginInfo) bool, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 2
	}
	infos, err := c.Quick()
	if err != nil {
		return err
	}
	var todo PluginInfos
	for _, info := range infos {
		if selector == nil || selector(info) {
			todo = append(todo, info)
		}
	}

	var completed atomic.Int32
	c.hook.OnWarmProgress(len(todo), 0)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, info := range todo {
		info := info
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := c.Plugin(info.ID); err != nil {
				return err
			}
			c.hook.OnWarmProgress(len(todo), int(completed.Add(1)))
			return nil
		})
	}
	return g.Wait()
}
