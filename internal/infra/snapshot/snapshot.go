// Package snapshot persists whole-state JSON files.
// Every save overwrites the file; there is no journal.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// WriteJSON marshals v and replaces path with the result.
// The data is written to a temporary file first and renamed into place.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}
	return WriteFile(path, data)
}

// WriteFile replaces path with data.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create snapshot directory")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "failed to replace snapshot")
	}
	return nil
}

// ReadJSON reads path into v. It returns os.ErrNotExist (wrapped) when the
// file is missing.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", filepath.Base(path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to parse %s", filepath.Base(path))
	}
	return nil
}

// Age returns how long ago path was last modified.
func Age(path string, now time.Time) (time.Duration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return now.Sub(info.ModTime()), nil
}

// Writer persists snapshots from a single goroutine. Save never blocks on
// disk I/O; when saves arrive faster than they can be written only the most
// recent pending snapshot is kept.
type Writer struct {
	path string

	mu      sync.Mutex
	pending any
	has     bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWriter starts a writer for path.
func NewWriter(path string) *Writer {
	w := &Writer{
		path: path,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Path returns the file the writer persists to.
func (w *Writer) Path() string {
	return w.path
}

// Save schedules v to be written. v must not be mutated afterwards.
func (w *Writer) Save(v any) {
	w.mu.Lock()
	w.pending = v
	w.has = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close flushes any pending snapshot and stops the writer.
func (w *Writer) Close() {
	close(w.done)
	w.wg.Wait()
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-w.done:
			w.flush()
			return
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	v, ok := w.pending, w.has
	w.pending, w.has = nil, false
	w.mu.Unlock()

	if !ok {
		return
	}
	if err := WriteJSON(w.path, v); err != nil {
		zlog.Error().Msgf("failed to save snapshot: path=%s error=%v", w.path, err)
	}
}
