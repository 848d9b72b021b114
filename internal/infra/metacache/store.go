package metacache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/infra/snapshot"
)

// State represents the store lifecycle.
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateReady
	StateRefreshing
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Config holds store configuration.
type Config struct {
	Path            string        // Local snapshot file
	URL             string        // Remote compressed snapshot
	MaxAge          time.Duration // Local snapshot older than this is refreshed
	RefreshInterval time.Duration // How often Run re-checks the snapshot age
	DownloadTimeout time.Duration
}

// Store owns the key and hash indexes and publishes read-only lookups.
type Store struct {
	config     Config
	httpClient *http.Client
	now        func() time.Time

	mu        sync.RWMutex
	state     State
	byKey     map[uint32]*Record
	byHash    map[string]*Record
	scrapedAt time.Time
}

// New creates an empty store.
func New(cfg Config) *Store {
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Store{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		state:      StateEmpty,
		byKey:      make(map[uint32]*Record),
		byHash:     make(map[string]*Record),
	}
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Len returns the number of indexed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// ScrapedAt returns when the loaded snapshot was produced.
func (s *Store) ScrapedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scrapedAt
}

// ByKey looks up a record by its hexadecimal request key.
func (s *Store) ByKey(key string) (*Record, bool) {
	n, err := strconv.ParseUint(request.NormalizeKey(key), 16, 32)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byKey[uint32(n)]
	return r, ok
}

// ByHash looks up a record by content hash.
func (s *Store) ByHash(hash string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byHash[request.NormalizeHash(hash)]
	return r, ok
}

// Init loads the local snapshot when it is fresh, otherwise downloads a new
// one. A failed download falls back to any local snapshot, stale or not.
func (s *Store) Init(ctx context.Context) error {
	s.setState(StateLoading)

	if age, err := snapshot.Age(s.config.Path, s.now()); err == nil && age < s.config.MaxAge {
		err := s.loadFile()
		if err == nil {
			return nil
		}
		zlog.Warn().Msgf("metadata cache: local snapshot unreadable, downloading: error=%v", err)
	}

	if err := s.download(ctx); err != nil {
		zlog.Warn().Msgf("metadata cache: download failed, falling back to local snapshot: error=%v", err)
		if lerr := s.loadFile(); lerr != nil {
			s.setState(StateEmpty)
			return errors.Wrap(err, "metadata cache unavailable")
		}
		return nil
	}
	return s.loadFile()
}

// Run refreshes the snapshot in the background until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.config.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			age, err := snapshot.Age(s.config.Path, s.now())
			if err == nil && age < s.config.MaxAge {
				continue
			}
			if err := s.Refresh(ctx); err != nil {
				zlog.Warn().Msgf("metadata cache: refresh failed: error=%v", err)
			}
		}
	}
}

// Refresh downloads and swaps in a new snapshot. Readers keep using the old
// indexes until the swap; on failure the old indexes stay in place.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	if prev == StateReady {
		s.state = StateRefreshing
	}
	s.mu.Unlock()

	if err := s.download(ctx); err != nil {
		s.setState(prev)
		return err
	}
	if err := s.loadFile(); err != nil {
		s.setState(prev)
		return err
	}
	return nil
}

func (s *Store) download(ctx context.Context) error {
	if s.config.URL == "" {
		return errors.New("no snapshot url configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	// Refuse to persist something that does not decode.
	if _, _, err := Decode(bytes.NewReader(data)); err != nil {
		return err
	}

	if err := snapshot.WriteFile(s.config.Path, data); err != nil {
		return err
	}
	zlog.Info().Msgf("metadata cache: downloaded snapshot: bytes=%d", len(data))
	return nil
}

func (s *Store) loadFile() error {
	f, err := os.Open(s.config.Path)
	if err != nil {
		return errors.Wrap(err, "failed to open snapshot")
	}
	defer f.Close()

	scrapedAt, records, err := Decode(f)
	if err != nil {
		return err
	}
	s.Load(scrapedAt, records)
	return nil
}

// Load replaces the indexes with records. Records with a key or hash already
// seen are dropped.
func (s *Store) Load(scrapedAt time.Time, records []Record) {
	byKey := make(map[uint32]*Record, len(records))
	byHash := make(map[string]*Record, len(records))

	dropped := 0
	for i := range records {
		r := &records[i]
		r.Hash = request.NormalizeHash(r.Hash)
		if _, dup := byKey[r.Key]; dup {
			zlog.Warn().Msgf("metadata cache: duplicate key dropped: key=%s", r.HexKey())
			dropped++
			continue
		}
		if r.Hash != "" {
			if _, dup := byHash[r.Hash]; dup {
				zlog.Warn().Msgf("metadata cache: duplicate hash dropped: key=%s hash=%s", r.HexKey(), r.Hash)
				dropped++
				continue
			}
			byHash[r.Hash] = r
		}
		byKey[r.Key] = r
	}

	s.mu.Lock()
	s.byKey = byKey
	s.byHash = byHash
	s.scrapedAt = scrapedAt
	s.state = StateReady
	s.mu.Unlock()

	zlog.Info().Msgf("metadata cache: loaded records=%d dropped=%d scraped_at=%s", len(byKey), dropped, scrapedAt.Format(time.RFC3339))
}

func (s *Store) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}
