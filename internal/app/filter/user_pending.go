package filter

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/domain/request"
)

// UserPendingConfig represents the configuration for UserPendingFilter.
type UserPendingConfig struct {
	MaxPending int      `yaml:"max_pending" mapstructure:"max_pending" default:"1" validate:"gte=1"`
	VIPUsers   []string `yaml:"vip_users" mapstructure:"vip_users"`
}

// UserPendingFilter checks if the requester already has maps waiting.
type UserPendingFilter struct {
	config UserPendingConfig
}

func (f *UserPendingFilter) Name() string {
	return "user_pending_filter"
}

func (f *UserPendingFilter) Description() string {
	return "Checks if the requester has too many maps waiting to be played"
}

func (f *UserPendingFilter) ReturnCodes() []string {
	return []string{"user_pending"}
}

func (f *UserPendingFilter) ValidateConfig(settings map[string]any) error {
	var config UserPendingConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(config); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	f.config = config
	zlog.Info().Msgf("user pending filter config: %+v", config)
	return nil
}

func (f *UserPendingFilter) AppliesTo(kind Kind) bool {
	return true
}

func (f *UserPendingFilter) Check(ctx context.Context, req Request, e *request.Entry, q QueueView) Result {
	// Anonymous requests come from the streamer's own tools
	if req.User == "" {
		return Accept()
	}
	for _, vip := range f.config.VIPUsers {
		if strings.EqualFold(vip, req.User) {
			return Accept()
		}
	}

	limit := f.config.MaxPending
	if limit <= 0 {
		limit = 1
	}
	if q.CountByUser(req.User) >= limit {
		return Reject("user_pending")
	}
	return Accept()
}

func init() {
	Register("user_pending_filter", func() Filter {
		return &UserPendingFilter{}
	})
}
