// Package resolver turns request keys into queue entries by consulting an
// ordered chain of metadata sources.
package resolver

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/domain/request"
)

var (
	// ErrInvalidKey is returned for keys that are not 1-8 hex characters.
	ErrInvalidKey = errors.New("invalid map key")
	// ErrNotFound is returned when no source knows the key.
	ErrNotFound = errors.New("map not found")
	// ErrUnreachable is returned when every consulted source failed.
	ErrUnreachable = errors.New("map sources unreachable")
)

// Source is one strategy in the resolution chain.
type Source interface {
	// Lookup returns the entry and true when found. A false result without
	// an error means "try the next source".
	Lookup(ctx context.Context, key string) (*request.Entry, bool, error)

	// Name returns the source name (used in config and on entries).
	Name() string

	// UsesCache reports whether the source depends on the metadata cache.
	UsesCache() bool
}

// Options tunes a single resolution.
type Options struct {
	SkipCache bool
}

// Resolver tries each source in order until one finds the key.
type Resolver struct {
	sources []Source
}

// New creates a resolver over the given sources.
func New(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// Sources returns the configured source names in order.
func (r *Resolver) Sources() []string {
	names := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		names = append(names, s.Name())
	}
	return names
}

// Resolve resolves key into a fresh entry owned by the caller.
func (r *Resolver) Resolve(ctx context.Context, key string, opts Options) (*request.Entry, error) {
	key = request.NormalizeKey(key)
	if !request.IsValidKey(key) {
		return nil, errors.Wrapf(ErrInvalidKey, "key %q", key)
	}

	var lastErr error
	missed := false
	for i, s := range r.sources {
		if opts.SkipCache && s.UsesCache() {
			continue
		}

		entry, found, err := s.Lookup(ctx, key)
		if err != nil {
			zlog.Warn().Msgf("resolver source failed, trying next: index=%d source=%s key=%s error=%v", i+1, s.Name(), key, err)
			lastErr = err
			continue
		}
		if !found {
			zlog.Debug().Msgf("resolver source missed: source=%s key=%s", s.Name(), key)
			missed = true
			continue
		}

		entry.Key = key
		entry.Source = s.Name()
		zlog.Debug().Msgf("resolved map: key=%s source=%s title=%s", key, s.Name(), entry.Title)
		return entry, nil
	}

	if lastErr != nil && !missed {
		return nil, errors.Wrapf(ErrUnreachable, "key %s: %v", key, lastErr)
	}
	return nil, errors.Wrapf(ErrNotFound, "key %s", key)
}
