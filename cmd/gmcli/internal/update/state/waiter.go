package state

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// lockWaiter blocks between lock acquisition attempts.
type lockWaiter interface {
	// wait sleeps up to delay, returning early when the lock file at
	// path is removed or the context is cancelled.
	wait(ctx context.Context, path string, delay time.Duration) error
}

// fsnotifyWaiter watches the lock directory so a waiter wakes as soon as
// the holder releases, instead of sleeping out the full backoff. Falls
// back to a plain timer when a watcher cannot be created.
type fsnotifyWaiter struct{}

func newFsnotifyWaiter() lockWaiter { return fsnotifyWaiter{} }

func (fsnotifyWaiter) wait(ctx context.Context, path string, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	for {
		if watcher == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				watcher = nil
				continue
			}
			if event.Name == path && event.Op.Has(fsnotify.Remove|fsnotify.Rename) {
				return nil
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				watcher = nil
			}
			// Watch errors degrade to the timer path.
		}
	}
}

// timerWaiter is a deterministic waiter for tests.
type timerWaiter struct{}

func (timerWaiter) wait(ctx context.Context, _ string, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
