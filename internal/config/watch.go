package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the configuration files and invokes the supplied callback
// with every successfully reloaded snapshot. Stop must be called to release
// filesystem resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Watch wires fsnotify around the loader's files and reloads the full
// configuration on change. Snapshots that fail to load or validate are
// reported through onError and the previous snapshot stays in effect.
func (l *Loader) Watch(ctx context.Context, onChange func(Config), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch requires a change callback")
	}
	files := l.Files()
	if len(files) == 0 {
		return nil, fmt.Errorf("config: no config file configured for watching")
	}

	targets := make(map[string]struct{}, len(files))
	dirs := make(map[string]struct{}, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("config: resolve %s: %w", f, err)
		}
		abs = filepath.Clean(abs)
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	// Directories are watched rather than files so editors that replace the
	// file via rename keep triggering events.
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("config: watch add %s: %w", dir, err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	watch := &Watcher{cancel: cancel, done: done}

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				report(fmt.Errorf("config: watch close: %w", err))
			}
		}()

		reload := func() {
			cfg, err := l.Load(watchCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				report(err)
				return
			}
			onChange(cfg)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, tracked := targets[filepath.Clean(event.Name)]; !tracked {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					report(fmt.Errorf("config: file %s removed", event.Name))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()

	return watch, nil
}
