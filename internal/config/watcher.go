package config

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"github.com/basket/clawgov/internal/bus"
)

// FileKind names which watched file changed.
type FileKind string

const (
	FileConfig FileKind = "config"
	FilePolicy FileKind = "policy"
)

const defaultDebounce = 150 * time.Millisecond

// ReloadEvent reports a settled change to config.yaml or policy.yaml.
type ReloadEvent struct {
	Path   string
	Kind   FileKind
	Digest string // blake3 of the new contents; empty when the file is gone
}

// IsPolicy reports whether the event concerns policy.yaml.
func (e ReloadEvent) IsPolicy() bool { return e.Kind == FilePolicy }

type Watcher struct {
	homeDir  string
	bus      *bus.Bus
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

// NewWatcher watches the files under homeDir. Each change is sent on Events
// and, when eventBus is non-nil, published as bus.TopicConfigReloaded.
func NewWatcher(homeDir string, eventBus *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		bus:      eventBus,
		logger:   logger.With("component", "config-watcher"),
		debounce: defaultDebounce,
		events:   make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory rather than the files themselves, so
// editors and `clawgov policy` that replace files by rename keep producing
// events. Bursts for one file collapse into a single event once the file
// has been quiet for the debounce window, and rewrites that leave the
// contents unchanged are dropped.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	kinds := map[string]FileKind{
		filepath.Clean(ConfigPath(w.homeDir)): FileConfig,
		filepath.Clean(PolicyPath(w.homeDir)): FilePolicy,
	}
	digests := make(map[string]string, len(kinds))
	for path := range kinds {
		digests[path] = digestFile(path)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		pending := map[string]time.Time{}
		tick := time.NewTicker(w.debounce / 3)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				path := filepath.Clean(ev.Name)
				if _, watched := kinds[path]; !watched {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				pending[path] = time.Now()
			case now := <-tick.C:
				for path, last := range pending {
					if now.Sub(last) < w.debounce {
						continue
					}
					delete(pending, path)
					digest := digestFile(path)
					if digest == digests[path] {
						continue
					}
					digests[path] = digest
					w.emit(ReloadEvent{Path: path, Kind: kinds[path], Digest: digest})
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) emit(re ReloadEvent) {
	select {
	case w.events <- re:
	default:
		w.logger.Warn("reload event dropped, consumer is behind", "path", re.Path)
	}
	w.bus.Publish(bus.TopicConfigReloaded, re)
	w.logger.Info("config file changed", "file", re.Kind, "digest", re.Digest)
}

func digestFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:12])
}
