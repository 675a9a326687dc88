package plugin

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a plugin directory must be quiet before the
// watcher acts on it.
const DefaultDebounce = 250 * time.Millisecond

// ErrWatcherClosed is returned by a closed Watcher.
var ErrWatcherClosed = errors.New("plugin watcher is closed")

// Watcher reloads plugins whose files change on disk and unloads plugins
// whose directory disappears.
type Watcher struct {
	manager *Manager
	fsw     *fsnotify.Watcher
	delay   time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	plugins map[string]*watched
	closed  bool

	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

type watched struct {
	desc  Descriptor
	dir   string
	sum   uint64
	timer *time.Timer
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a change is acted on.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.delay = d
		}
	}
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// NewWatcher creates a watcher that drives m.
func NewWatcher(m *Manager, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		manager: m,
		fsw:     fsw,
		delay:   DefaultDebounce,
		logger:  m.logger,
		plugins: make(map[string]*watched),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.closedWg.Add(1)
	go w.processLoop()
	return w, nil
}

// Watch starts watching the plugin directory of d and its subdirectories.
func (w *Watcher) Watch(d Descriptor) error {
	dir, err := filepath.Abs(d.Path)
	if err != nil {
		return err
	}
	sum, err := fingerprint(dir)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if old, ok := w.plugins[d.Name]; ok {
		w.removeLocked(old)
	}

	err = filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil || !entry.IsDir() {
			return nil
		}
		return w.fsw.Add(p)
	})
	if err != nil {
		return err
	}
	w.plugins[d.Name] = &watched{desc: d, dir: dir, sum: sum}
	return nil
}

// Unwatch stops watching the named plugin.
func (w *Watcher) Unwatch(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.plugins[name]; ok {
		w.removeLocked(p)
		delete(w.plugins, name)
	}
}

// Watching returns the names of watched plugins, sorted.
func (w *Watcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(w.plugins))
	for name := range w.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close stops the watcher. Pending changes are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for _, p := range w.plugins {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	w.closedWg.Wait()
	return err
}

func (w *Watcher) removeLocked(p *watched) {
	if p.timer != nil {
		p.timer.Stop()
	}
	for _, path := range w.fsw.WatchList() {
		if path == p.dir || strings.HasPrefix(path, p.dir+string(filepath.Separator)) {
			_ = w.fsw.Remove(path)
		}
	}
}

func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	p := w.owner(ev.Name)
	if p == nil {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
	}
	if !relevant(ev.Name) && ev.Name != p.dir {
		return
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	name := p.desc.Name
	p.timer = time.AfterFunc(w.delay, func() { w.settle(name) })
}

// owner returns the watched plugin whose directory contains path.
func (w *Watcher) owner(path string) *watched {
	for _, p := range w.plugins {
		if path == p.dir || strings.HasPrefix(path, p.dir+string(filepath.Separator)) {
			return p
		}
	}
	return nil
}

// settle acts on a plugin once its directory has been quiet for the
// debounce period.
func (w *Watcher) settle(name string) {
	w.mu.Lock()
	p, ok := w.plugins[name]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	p.timer = nil
	d, dir, old := p.desc, p.dir, p.sum
	w.mu.Unlock()

	ctx := context.Background()

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		w.Unwatch(name)
		if err := w.manager.Unload(ctx, name); err != nil {
			w.logger.Warn("unload of removed plugin failed", "plugin", name, "error", err)
		}
		w.logger.Info("plugin directory removed", "plugin", name)
		return
	}

	sum, err := fingerprint(dir)
	if err != nil {
		w.logger.Warn("plugin fingerprint failed", "plugin", name, "error", err)
		return
	}
	if sum == old {
		return
	}

	w.mu.Lock()
	if p, ok := w.plugins[name]; ok {
		p.sum = sum
	}
	w.mu.Unlock()

	if _, err := w.manager.Reload(ctx, d); err != nil {
		w.logger.Error("plugin hot reload failed", "plugin", name, "error", err)
		return
	}
	w.logger.Info("plugin hot reloaded", "plugin", name)
}

// relevant reports whether a change to path can affect a loaded plugin.
func relevant(path string) bool {
	if filepath.Ext(path) == ".lua" {
		return true
	}
	return slices.Contains(ManifestFiles, filepath.Base(path))
}

// fingerprint hashes the Lua sources and manifest under dir.
func fingerprint(dir string) (uint64, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && relevant(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	slices.Sort(files)

	h := xxhash.New()
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return 0, err
		}
		rel, _ := filepath.Rel(dir, f)
		_, _ = h.WriteString(filepath.ToSlash(rel))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(data)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64(), nil
}
