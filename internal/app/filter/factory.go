package filter

import (
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/infra/config"
)

// NewChainFromConfig builds the request gate chain. The queue gate,
// blacklist and WIP switch always run; the rest follow the filters section.
func NewChainFromConfig(cfg *config.Config, blacklisted func(key string) bool) (*Chain, error) {
	chain := NewChain()

	chain.Add(&QueueOpenFilter{})
	chain.Add(NewBlacklistFilter(blacklisted))
	chain.Add(NewWipEnabledFilter(cfg.Wip.Enabled))

	for _, name := range []string{"duplicate_request_filter", "user_pending_filter", "duration_limit_filter"} {
		if !cfg.IsFilterEnabled(name) {
			continue
		}
		factory, ok := registry[name]
		if !ok {
			return nil, errors.Newf("filter not registered: %s", name)
		}
		f := factory()
		if err := f.ValidateConfig(cfg.Filters[name].Settings); err != nil {
			return nil, errors.Wrapf(err, "invalid settings for %s", name)
		}
		chain.Add(f)
		zlog.Info().Msgf("enabled filter: name=%s", name)
	}

	return chain, nil
}
