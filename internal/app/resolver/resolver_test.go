package resolver

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/infra/beatsaver"
	"github.com/osa030/mapreq/internal/infra/config"
	"github.com/osa030/mapreq/internal/infra/library"
	"github.com/osa030/mapreq/internal/infra/metacache"
)

type fakeCache map[string]*metacache.Record

func (c fakeCache) ByKey(key string) (*metacache.Record, bool) {
	r, ok := c[request.NormalizeKey(key)]
	return r, ok
}

type fakeLibrary map[string]*library.Map

func (l fakeLibrary) ByHash(hash string) (*library.Map, bool) {
	m, ok := l[request.NormalizeHash(hash)]
	return m, ok
}

type fakeRemote struct {
	entries map[string]*request.Entry
	err     error
	calls   int
}

func (r *fakeRemote) Entry(ctx context.Context, key string) (*request.Entry, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	e, ok := r.entries[key]
	if !ok {
		return nil, errors.Wrap(beatsaver.ErrNotFound, "remote")
	}
	return e.Clone(), nil
}

const (
	installedHash = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	cachedHash    = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
)

func newTestResolver(remote *fakeRemote) *Resolver {
	cache := fakeCache{
		"abc123": {Key: 0xabc123, Hash: installedHash, Title: "Cached Title", DurationSeconds: 100},
		"def456": {Key: 0xdef456, Hash: cachedHash, Title: "Only Cached"},
	}
	lib := fakeLibrary{
		installedHash: {Hash: installedHash, SongName: "Installed Title"},
	}
	rs, _ := NewRemoteSource(remote, nil)
	return New(NewLocalSource(cache, lib), NewCacheSource(cache), rs)
}

func TestResolve_SourceOrder(t *testing.T) {
	remote := &fakeRemote{entries: map[string]*request.Entry{
		"1f": {Key: "1f", Title: "Remote Title"},
	}}
	r := newTestResolver(remote)
	ctx := context.Background()

	tests := []struct {
		name       string
		key        string
		wantTitle  string
		wantSource string
	}{
		{name: "installed locally", key: "ABC123", wantTitle: "Installed Title", wantSource: "local"},
		{name: "cache only", key: "def456", wantTitle: "Only Cached", wantSource: "cache"},
		{name: "remote only", key: "1f", wantTitle: "Remote Title", wantSource: "remote"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := r.Resolve(ctx, tt.key, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, e.Title)
			assert.Equal(t, tt.wantSource, e.Source)
			assert.Equal(t, request.NormalizeKey(tt.key), e.Key)
		})
	}
	assert.Equal(t, 1, remote.calls, "remote is only consulted on cache miss")
}

func TestResolve_SkipCache(t *testing.T) {
	remote := &fakeRemote{entries: map[string]*request.Entry{
		"abc123": {Key: "abc123", Title: "Fresh Remote"},
	}}
	r := newTestResolver(remote)

	e, err := r.Resolve(context.Background(), "abc123", Options{SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, "Fresh Remote", e.Title)
	assert.Equal(t, "remote", e.Source)
}

func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid key", func(t *testing.T) {
		r := newTestResolver(&fakeRemote{})
		for _, key := range []string{"", "xyz", "123456789", "12 34"} {
			_, err := r.Resolve(ctx, key, Options{})
			assert.True(t, errors.Is(err, ErrInvalidKey), "key %q", key)
		}
	})

	t.Run("not found everywhere", func(t *testing.T) {
		r := newTestResolver(&fakeRemote{})
		_, err := r.Resolve(ctx, "ffff", Options{})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("cache missed and remote failed", func(t *testing.T) {
		r := newTestResolver(&fakeRemote{err: errors.New("connection refused")})
		_, err := r.Resolve(ctx, "ffff", Options{})
		assert.True(t, errors.Is(err, ErrNotFound), "a clean miss wins over an error")
	})

	t.Run("only source failed", func(t *testing.T) {
		r := newTestResolver(&fakeRemote{err: errors.New("connection refused")})
		_, err := r.Resolve(ctx, "ffff", Options{SkipCache: true})
		assert.True(t, errors.Is(err, ErrUnreachable))
	})
}

func TestResolve_ReturnsFreshEntries(t *testing.T) {
	r := newTestResolver(&fakeRemote{})
	ctx := context.Background()

	a, err := r.Resolve(ctx, "def456", Options{})
	require.NoError(t, err)
	a.RequestedBy = "alice"

	b, err := r.Resolve(ctx, "def456", Options{})
	require.NoError(t, err)
	assert.Empty(t, b.RequestedBy)
}

func TestNewRemoteSource_InvalidSettings(t *testing.T) {
	_, err := NewRemoteSource(&fakeRemote{}, map[string]any{"timeout_ms": -1})
	assert.Error(t, err)

	s, err := NewRemoteSource(&fakeRemote{}, map[string]any{"timeout_ms": 1500})
	require.NoError(t, err)
	assert.Equal(t, 1500, s.config.TimeoutMs)
}

func TestNewFromConfig(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	deps := Deps{Cache: fakeCache{}, Library: fakeLibrary{}, Remote: &fakeRemote{}}
	r, err := NewFromConfig(cfg, deps)
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "cache", "remote"}, r.Sources())

	cfg.Resolver.Sources = []config.SourceConfig{{Type: "remote"}}
	r, err = NewFromConfig(cfg, Deps{Remote: &fakeRemote{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"remote"}, r.Sources())

	cfg.Resolver.Sources = []config.SourceConfig{{Type: "cache"}}
	_, err = NewFromConfig(cfg, Deps{Remote: &fakeRemote{}})
	assert.Error(t, err)

	cfg.Resolver.Sources = []config.SourceConfig{{Type: "ftp"}}
	_, err = NewFromConfig(cfg, deps)
	assert.Error(t, err)
}
