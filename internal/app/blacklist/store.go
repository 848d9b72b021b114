// Package blacklist provides the set of map keys that may not be requested.
package blacklist

import (
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/app/notification"
	"github.com/osa030/mapreq/internal/app/queue"
	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/infra/snapshot"
)

// ErrInvalidKey is returned for keys that are not map keys.
var ErrInvalidKey = errors.New("invalid blacklist key")

// Remover takes a blacklisted map out of the queue.
type Remover interface {
	Remove(key string) (*request.Entry, error)
}

// Saver persists the blacklist without blocking.
type Saver interface {
	Save(v any)
}

type file struct {
	Keys []string `json:"keys"`
}

// Store is the blacklist. Every change rewrites the whole file.
type Store struct {
	mu   sync.RWMutex
	keys map[string]struct{}

	saver    Saver
	queue    Remover
	notifier notification.Broadcaster
}

// New creates an empty store.
func New(saver Saver, notifier notification.Broadcaster) *Store {
	return &Store{
		keys:     make(map[string]struct{}),
		saver:    saver,
		notifier: notifier,
	}
}

// SetQueue sets the queue that Add removes banned maps from.
func (s *Store) SetQueue(q Remover) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

// Load replaces the set with the keys stored in path. A missing file
// leaves the store empty.
func (s *Store) Load(path string) error {
	var f file
	if err := snapshot.ReadJSON(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	keys := make(map[string]struct{}, len(f.Keys))
	for _, k := range f.Keys {
		k = request.NormalizeKey(k)
		if !request.IsValidKey(k) {
			zlog.Warn().Msgf("ignoring invalid blacklist key: key=%q", k)
			continue
		}
		keys[k] = struct{}{}
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	zlog.Info().Msgf("blacklist loaded: count=%d", len(keys))
	return nil
}

// Contains reports whether key is blacklisted.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[request.NormalizeKey(key)]
	return ok
}

// Add blacklists key and removes it from the queue.
func (s *Store) Add(key string) error {
	key = request.NormalizeKey(key)
	if !request.IsValidKey(key) {
		return errors.Wrapf(ErrInvalidKey, "key %q", key)
	}

	s.mu.Lock()
	s.keys[key] = struct{}{}
	s.saveLocked()
	q := s.queue
	s.mu.Unlock()

	zlog.Info().Msgf("map blacklisted: key=%s", key)
	s.broadcast(notification.EventBlacklistAdded, key)

	// The queue takes its own lock and consults Contains, so ours is released first.
	if q != nil {
		if _, err := q.Remove(key); err != nil && !errors.Is(err, queue.ErrNotFound) {
			zlog.Warn().Msgf("failed to remove blacklisted map from queue: key=%s error=%v", key, err)
		}
	}
	return nil
}

// Remove takes key off the blacklist. It reports whether the key was present.
func (s *Store) Remove(key string) bool {
	key = request.NormalizeKey(key)

	s.mu.Lock()
	_, ok := s.keys[key]
	if ok {
		delete(s.keys, key)
		s.saveLocked()
	}
	s.mu.Unlock()

	if ok {
		zlog.Info().Msgf("map removed from blacklist: key=%s", key)
		s.broadcast(notification.EventBlacklistRemoved, key)
	}
	return ok
}

// Keys returns the blacklisted keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *Store) sortedLocked() []string {
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) saveLocked() {
	if s.saver != nil {
		s.saver.Save(file{Keys: s.sortedLocked()})
	}
}

func (s *Store) broadcast(event string, key string) {
	if s.notifier != nil {
		s.notifier.Broadcast(event, map[string]string{"key": key})
	}
}
