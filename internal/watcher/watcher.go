// Package watcher reloads a document when its file changes on disk.
package watcher

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/marginalia/framesync/internal/logging"
)

// DefaultDebounce coalesces the burst of events an editor produces when it
// saves a file.
const DefaultDebounce = 50 * time.Millisecond

// ChangeFunc receives the new file content.
type ChangeFunc func(content []byte)

// Watcher watches one file. The parent directory is watched rather than the
// file itself so that editors replacing the file by rename are noticed.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange ChangeFunc
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	last    []byte
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a watcher for path calling onChange with the new content each
// time it changes.
func New(path string, onChange ChangeFunc) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  w,
		path:     abs,
		onChange: onChange,
		debounce: DefaultDebounce,
		log:      logging.Component("watcher").With().Str("path", abs).Logger(),
		last:     content,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string {
	return w.path
}

// Start begins watching.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.check()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("watcher error")
		}
	}
}

// check reads the file and reports it if the content changed.
func (w *Watcher) check() {
	content, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Debug().Err(err).Msg("document not readable")
		return
	}

	w.mu.Lock()
	changed := !bytes.Equal(content, w.last)
	if changed {
		w.last = content
	}
	w.mu.Unlock()

	if changed {
		w.log.Info().Int("bytes", len(content)).Msg("document changed")
		w.onChange(content)
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
