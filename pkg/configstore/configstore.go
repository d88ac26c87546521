// Package configstore loads the fleet configuration file and watches it for
// changes. The snapshot sits behind an atomic pointer so readers never see a
// half-written reload.
package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/wire"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of filesystem events a multi-step file
// write produces into a single reload-and-redistribute cycle.
const DefaultDebounce = 200 * time.Millisecond

// File is the on-disk shape: {"config": [{"slaveIp": ..., "handlers": [...]}]}.
type File struct {
	Config []wire.ConfigEntry `json:"config"`
}

type Store struct {
	logger   *slog.Logger
	path     string
	debounce time.Duration

	snapshot atomic.Pointer[[]wire.ConfigEntry]
}

func New(logger *slog.Logger, path string) *Store {
	s := &Store{
		logger:   logger,
		path:     path,
		debounce: DefaultDebounce,
	}
	s.snapshot.Store(&[]wire.ConfigEntry{})
	return s
}

// Load reads and parses the whole file, swapping in the new snapshot on
// success. On any I/O or parse failure the previous snapshot stays in place
// and the error is returned for the caller to log; a broken config file is
// never fatal.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", s.path, err)
	}
	entries := f.Config
	if entries == nil {
		entries = []wire.ConfigEntry{}
	}
	s.snapshot.Store(&entries)
	s.logger.With("entries", len(entries)).Debug("config snapshot replaced")
	return nil
}

// EntryFor scans the current snapshot and returns the first entry matching
// the identifier. A miss is a normal, loggable condition.
func (s *Store) EntryFor(id string) (wire.ConfigEntry, bool) {
	for _, entry := range *s.snapshot.Load() {
		if entry.SlaveIP == id {
			return entry, true
		}
	}
	return wire.ConfigEntry{}, false
}

// Entries returns the current snapshot. The caller must not mutate it.
func (s *Store) Entries() []wire.ConfigEntry {
	return *s.snapshot.Load()
}

// Watch blocks until ctx is done, reloading on file changes. onChange runs
// only after a successful reload, at most once per debounce window.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory rather than the file: editors and atomic writers
	// replace the file, which drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	base := filepath.Base(s.path)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
				continue
			}
			if timer != nil && !timer.Stop() {
				<-timerC
			}
			timer = time.NewTimer(s.debounce)
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.With("err", err).Warn("config watch error")
		case <-timerC:
			timer, timerC = nil, nil
			if err := s.Load(); err != nil {
				s.logger.With("err", err).Warn("config reload failed, keeping previous snapshot")
				continue
			}
			s.logger.Info("config file changed, snapshot reloaded")
			onChange()
		}
	}
}
