package config

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/dataplane/internal/logging"
	"go.uber.org/zap"
)

// Watcher watches a configuration file and hands every successfully loaded
// revision to the registered callbacks. A revision that fails to load is
// logged and dropped; callbacks never see it.
type Watcher struct {
	loader       *Loader
	configPath   string
	dir          string
	debounce     time.Duration
	pollInterval time.Duration

	mu        sync.Mutex
	callbacks []func(*Config)
	lastHash  [sha256.Size]byte
	cancel    context.CancelFunc
}

// NewWatcher creates a configuration watcher. Nothing is watched until Start.
func NewWatcher(configPath string, cfg ReloadConfig) *Watcher {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		loader:       NewLoader(),
		configPath:   configPath,
		dir:          filepath.Dir(configPath),
		debounce:     debounce,
		pollInterval: cfg.PollInterval,
		lastHash:     hashFile(configPath),
	}
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start watches until ctx is cancelled or Stop is called. It blocks.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the directory so atomic rename-over saves are seen.
	if err := fsw.Add(w.dir); err != nil {
		return err
	}

	logging.Info("config watcher started", zap.String("path", w.configPath))

	var (
		debounceTimer *time.Timer
		debounceCh    <-chan time.Time
		pollCh        <-chan time.Time
	)
	if w.pollInterval > 0 {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		pollCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			logging.Info("config watcher stopped", zap.String("path", w.configPath))
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce bursts: every event restarts the timer.
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()

		case <-pollCh:
			if hashFile(w.configPath) != w.currentHash() {
				logging.Debug("config change detected via polling", zap.String("path", w.configPath))
				w.reload()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) currentHash() [sha256.Size]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}

// reload loads the config and notifies callbacks
func (w *Watcher) reload() {
	sum := hashFile(w.configPath)
	cfg, err := w.loader.Load(w.configPath)

	w.mu.Lock()
	w.lastHash = sum
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	if err != nil {
		logging.Error("failed to reload config, keeping previous configuration",
			zap.String("path", w.configPath),
			zap.Error(err),
		)
		return
	}

	logging.Info("configuration file changed", zap.String("path", w.configPath))
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Stop terminates a running Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

func hashFile(path string) [sha256.Size]byte {
	var sum [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum
	}
	copy(sum[:], h.Sum(nil))
	return sum
}
