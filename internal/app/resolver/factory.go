package resolver

import (
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/infra/config"
)

// Deps holds the collaborators sources are built from.
type Deps struct {
	Cache   CacheIndex
	Library LocalIndex
	Remote  RemoteClient
}

// NewFromConfig creates a resolver from configuration.
func NewFromConfig(cfg *config.Config, deps Deps) (*Resolver, error) {
	if len(cfg.Resolver.Sources) == 0 {
		return nil, errors.New("no resolver sources configured")
	}

	var sources []Source
	for i, scfg := range cfg.Resolver.Sources {
		var source Source
		var err error
		zlog.Debug().Msgf("creating resolver source: index=%d type=%s settings=%+v", i+1, scfg.Type, scfg.Settings)
		switch scfg.Type {
		case "local":
			if deps.Cache == nil || deps.Library == nil {
				return nil, errors.Newf("local source needs the metadata cache and library (source index %d)", i)
			}
			source = NewLocalSource(deps.Cache, deps.Library)

		case "cache":
			if deps.Cache == nil {
				return nil, errors.Newf("cache source needs the metadata cache (source index %d)", i)
			}
			source = NewCacheSource(deps.Cache)

		case "remote":
			if deps.Remote == nil {
				return nil, errors.Newf("remote source needs a remote client (source index %d)", i)
			}
			source, err = NewRemoteSource(deps.Remote, scfg.Settings)

		default:
			return nil, errors.Newf("unsupported source type: %s (source index %d)", scfg.Type, i)
		}

		if err != nil {
			return nil, errors.Wrapf(err, "failed to create source (index %d, type %s)", i, scfg.Type)
		}

		sources = append(sources, source)
		zlog.Info().Msgf("registered resolver source: index=%d type=%s", i+1, scfg.Type)
	}

	return New(sources...), nil
}
