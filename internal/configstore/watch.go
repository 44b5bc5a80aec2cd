package configstore

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of filesystem events (an editor's
// write-then-rename, for instance) into a single reload.
const watchDebounce = 300 * time.Millisecond

// Watch watches the config file's directory for changes and invokes
// onChange with the freshly loaded identity list whenever the on-disk
// content differs from what this Store last wrote itself. Self-writes
// (Save/UpdateUser/flushPending) are suppressed by checksum comparison so
// the Fleet Manager never reloads in response to its own persistence.
//
// Watch blocks until ctx is cancelled or the watcher fails unrecoverably.
func (s *Store) Watch(ctx context.Context, onChange func([]Identity)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("configstore: watch error", "err", err)

		case <-fire:
			s.reloadIfChanged(onChange)
		}
	}
}

func (s *Store) reloadIfChanged(onChange func([]Identity)) {
	prevChecksum := s.currentChecksum()

	list, err := s.Load()
	if err != nil {
		s.log.Warn("configstore: reload failed", "err", err)
		return
	}

	newChecksum := s.currentChecksum()
	if newChecksum == prevChecksum {
		return
	}

	if s.isSelfWrite(newChecksum) {
		s.log.Debug("configstore: ignoring reload matching last self-write")
		return
	}

	s.log.Info("configstore: external config change detected, reloading")
	onChange(list)
}

func (s *Store) currentChecksum() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checksum
}

func (s *Store) isSelfWrite(checksum string) bool {
	s.selfWriteMu.Lock()
	defer s.selfWriteMu.Unlock()
	return checksum == s.lastSelfSum
}
