// Package history records the maps played during the current session.
package history

import (
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/infra/snapshot"
)

// Item is one played map.
type Item struct {
	Timestamp int64          `json:"timestamp"` // unix seconds
	Entry     *request.Entry `json:"entry"`
}

type file struct {
	SavedAt *int64 `json:"savedAt,omitempty"`
	Items   []Item `json:"items"`
}

// Saver persists the ledger without blocking.
type Saver interface {
	Save(v any)
}

// Ledger is the chronological list of played maps.
type Ledger struct {
	mu    sync.RWMutex
	items []Item

	saver Saver
	now   func() time.Time
}

// New creates an empty ledger.
func New(saver Saver) *Ledger {
	return &Ledger{saver: saver, now: time.Now}
}

// AddToSession appends e unless the last played map has the same hash.
func (l *Ledger) AddToSession(e *request.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.items); n > 0 {
		last := l.items[n-1].Entry
		if sameMap(last, e) {
			zlog.Debug().Msgf("history: skipping repeat of last map: key=%s", e.Key)
			return
		}
	}

	c := e.Clone()
	c.CoverImage = nil
	l.items = append(l.items, Item{Timestamp: l.now().Unix(), Entry: c})
	l.saveLocked()
}

// sameMap compares by hash, or by key for entries that have none (WIP).
func sameMap(a, b *request.Entry) bool {
	if a.Hash != "" || b.Hash != "" {
		return request.NormalizeHash(a.Hash) == request.NormalizeHash(b.Hash)
	}
	return a.MatchesKey(b.Key)
}

// List returns up to limit items, newest first. limit <= 0 returns all.
func (l *Ledger) List(limit int) []Item {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.items)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Item, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		it := l.items[i]
		out = append(out, Item{Timestamp: it.Timestamp, Entry: it.Entry.Clone()})
	}
	return out
}

// Len returns the number of items.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Save schedules the ledger to be written.
func (l *Ledger) Save() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saveLocked()
}

func (l *Ledger) saveLocked() {
	if l.saver == nil {
		return
	}
	savedAt := l.now().Unix()
	items := make([]Item, len(l.items))
	copy(items, l.items)
	l.saver.Save(file{SavedAt: &savedAt, Items: items})
}

// Load restores the ledger from path when it was saved less than window
// ago. Files without a savedAt marker are dated by their modification time.
// It reports whether the previous session was resumed.
func (l *Ledger) Load(path string, window time.Duration) (bool, error) {
	var f file
	if err := snapshot.ReadJSON(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	now := l.now()
	var age time.Duration
	if f.SavedAt != nil {
		age = now.Sub(time.Unix(*f.SavedAt, 0))
	} else {
		a, err := snapshot.Age(path, now)
		if err != nil {
			return false, errors.Wrap(err, "failed to stat history")
		}
		age = a
	}

	if age >= window {
		zlog.Info().Msgf("history belongs to a previous session, starting fresh: age=%v window=%v", age.Round(time.Second), window)
		return false, nil
	}

	items := make([]Item, 0, len(f.Items))
	for _, it := range f.Items {
		if it.Entry == nil {
			continue
		}
		if n := len(items); n > 0 && sameMap(items[n-1].Entry, it.Entry) {
			continue
		}
		items = append(items, it)
	}

	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
	zlog.Info().Msgf("history resumed: count=%d age=%v", len(items), age.Round(time.Second))
	return true, nil
}
