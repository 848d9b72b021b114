package resolver

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/infra/beatsaver"
	"github.com/osa030/mapreq/internal/infra/library"
	"github.com/osa030/mapreq/internal/infra/metacache"
)

// CacheIndex is the read side of the metadata cache.
type CacheIndex interface {
	ByKey(key string) (*metacache.Record, bool)
}

// LocalIndex is the read side of the installed map library.
type LocalIndex interface {
	ByHash(hash string) (*library.Map, bool)
}

// RemoteClient looks maps up on the remote API.
type RemoteClient interface {
	Entry(ctx context.Context, key string) (*request.Entry, error)
}

// LocalSource builds entries from locally installed content, located through
// the cache's key to hash mapping.
type LocalSource struct {
	cache   CacheIndex
	library LocalIndex
}

// NewLocalSource creates a new LocalSource.
func NewLocalSource(cache CacheIndex, lib LocalIndex) *LocalSource {
	return &LocalSource{cache: cache, library: lib}
}

// Lookup implements Source.
func (s *LocalSource) Lookup(ctx context.Context, key string) (*request.Entry, bool, error) {
	rec, ok := s.cache.ByKey(key)
	if !ok || rec.Hash == "" {
		return nil, false, nil
	}
	m, ok := s.library.ByHash(rec.Hash)
	if !ok {
		return nil, false, nil
	}
	e := rec.ToEntry()
	m.Merge(e)
	return e, true, nil
}

// Name implements Source.
func (s *LocalSource) Name() string { return "local" }

// UsesCache implements Source.
func (s *LocalSource) UsesCache() bool { return true }

// CacheSource builds entries from the cached snapshot.
type CacheSource struct {
	cache CacheIndex
}

// NewCacheSource creates a new CacheSource.
func NewCacheSource(cache CacheIndex) *CacheSource {
	return &CacheSource{cache: cache}
}

// Lookup implements Source.
func (s *CacheSource) Lookup(ctx context.Context, key string) (*request.Entry, bool, error) {
	rec, ok := s.cache.ByKey(key)
	if !ok {
		return nil, false, nil
	}
	return rec.ToEntry(), true, nil
}

// Name implements Source.
func (s *CacheSource) Name() string { return "cache" }

// UsesCache implements Source.
func (s *CacheSource) UsesCache() bool { return true }

// RemoteSourceConfig holds remote source settings.
type RemoteSourceConfig struct {
	// TimeoutMs bounds a single lookup on top of the client timeout; 0 keeps
	// the client timeout only.
	TimeoutMs int `yaml:"timeout_ms" mapstructure:"timeout_ms" default:"0" validate:"gte=0,lte=60000"`
}

// RemoteSource performs a live lookup on the remote API.
type RemoteSource struct {
	client RemoteClient
	config RemoteSourceConfig
}

// NewRemoteSource creates a new RemoteSource from source settings.
func NewRemoteSource(client RemoteClient, settings map[string]any) (*RemoteSource, error) {
	var config RemoteSourceConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	zlog.Debug().Msgf("remote source config: %+v", config)
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}
	return &RemoteSource{client: client, config: config}, nil
}

// Lookup implements Source.
func (s *RemoteSource) Lookup(ctx context.Context, key string) (*request.Entry, bool, error) {
	if s.config.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.config.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	e, err := s.client.Entry(ctx, key)
	if err != nil {
		if errors.Is(err, beatsaver.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return e, true, nil
}

// Name implements Source.
func (s *RemoteSource) Name() string { return "remote" }

// UsesCache implements Source.
func (s *RemoteSource) UsesCache() bool { return false }
