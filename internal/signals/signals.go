// Package signals implements the HALT and PAUSE sentinel files that all
// workers sharing a queue observe.
package signals

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// HaltFile stops workers from claiming and makes them exit.
	HaltFile = "HALT"
	// PauseFile stops workers from claiming until it is removed.
	PauseFile = "PAUSE"
)

// State is the current control state.
type State struct {
	Halted bool `json:"halted"`
	Paused bool `json:"paused"`
}

// Watcher tracks the sentinel files in a directory.
type Watcher struct {
	dir string

	mu      sync.RWMutex
	state   State
	changed chan struct{}

	watcher *fsnotify.Watcher
	poll    time.Duration
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher watches dir for sentinel files. When fsnotify is unavailable it
// falls back to polling with os.Stat every poll interval.
func NewWatcher(dir string, poll time.Duration) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	if poll <= 0 {
		poll = time.Second
	}
	w := &Watcher{
		dir:     dir,
		changed: make(chan struct{}),
		poll:    poll,
		done:    make(chan struct{}),
	}
	w.refresh()

	if fw, err := fsnotify.NewWatcher(); err == nil {
		if err := fw.Add(dir); err != nil {
			fw.Close()
		} else {
			w.watcher = fw
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if base := filepath.Base(ev.Name); base == HaltFile || base == PauseFile {
				w.refresh()
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-ticker.C:
			w.refresh()
		}
	}
}

func (w *Watcher) exists(name string) bool {
	_, err := os.Stat(filepath.Join(w.dir, name))
	return err == nil
}

// refresh re-reads the sentinel files and wakes waiters on a change.
func (w *Watcher) refresh() State {
	next := State{Halted: w.exists(HaltFile), Paused: w.exists(PauseFile)}

	w.mu.Lock()
	defer w.mu.Unlock()
	if next != w.state {
		w.state = next
		close(w.changed)
		w.changed = make(chan struct{})
	}
	return next
}

// State returns the current control state.
func (w *Watcher) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Halted reports whether the HALT sentinel is present.
func (w *Watcher) Halted() bool {
	return w.State().Halted
}

// Paused reports whether the PAUSE sentinel is present.
func (w *Watcher) Paused() bool {
	return w.State().Paused
}

// Changed returns a channel that is closed at the next state change.
func (w *Watcher) Changed() <-chan struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.changed
}

// RequestHalt creates the HALT sentinel.
func (w *Watcher) RequestHalt(reason string) error {
	return w.touch(HaltFile, reason)
}

// RequestPause creates the PAUSE sentinel.
func (w *Watcher) RequestPause(reason string) error {
	return w.touch(PauseFile, reason)
}

// Resume removes the PAUSE sentinel.
func (w *Watcher) Resume() error {
	return w.remove(PauseFile)
}

// Clear removes both sentinels.
func (w *Watcher) Clear() error {
	return errors.Join(w.remove(HaltFile), w.remove(PauseFile))
}

func (w *Watcher) touch(name, reason string) error {
	body := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(filepath.Join(w.dir, name), []byte(body), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	w.refresh()
	return nil
}

func (w *Watcher) remove(name string) error {
	err := os.Remove(filepath.Join(w.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	w.refresh()
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	w.wg.Wait()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
