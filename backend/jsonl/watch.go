package jsonl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/hupe1980/rungo/backend"
)

// Watch refreshes the store whenever log files in the directory change.
// It requires a store opened from a local directory; stores over object
// stores poll with Refresh instead.
//
// The first event of a burst triggers an immediate refresh; further events
// inside the debounce window are folded into one trailing refresh, so a
// writer appending at high rate cannot starve the index. Watch blocks until
// ctx is cancelled or the store is closed.
func (s *Store) Watch(ctx context.Context) error {
	if s.dir == "" {
		return fmt.Errorf("watch: store is not backed by a local directory")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	debounce := s.opts.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(debounce), 1)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	armed := false

	refresh := func() error {
		if err := s.Refresh(ctx); err != nil {
			if errors.Is(err, backend.ErrClosed) || errors.Is(err, context.Canceled) {
				return err
			}
			s.log.Warn("watch refresh failed", "error", err)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// Chmod covers mtime-only updates, which the loader keys on.
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			if !s.loader.matchesName(ev.Name) {
				continue
			}
			if limiter.Allow() {
				if err := refresh(); err != nil {
					return err
				}
			} else if !armed {
				timer.Reset(debounce)
				armed = true
			}

		case <-timer.C:
			armed = false
			if err := refresh(); err != nil {
				return err
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watch error", "error", err)
		}
	}
}
