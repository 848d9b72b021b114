package filter

import (
	"context"

	"github.com/osa030/mapreq/internal/domain/request"
)

// BlacklistFilter rejects blacklisted keys.
type BlacklistFilter struct {
	contains func(key string) bool
}

// NewBlacklistFilter creates a new BlacklistFilter.
func NewBlacklistFilter(contains func(key string) bool) *BlacklistFilter {
	return &BlacklistFilter{contains: contains}
}

func (f *BlacklistFilter) Name() string {
	return "blacklist_filter"
}

func (f *BlacklistFilter) Description() string {
	return "Checks if the map key is blacklisted"
}

func (f *BlacklistFilter) ReturnCodes() []string {
	return []string{"blacklisted"}
}

func (f *BlacklistFilter) ValidateConfig(settings map[string]any) error {
	return nil
}

func (f *BlacklistFilter) AppliesTo(kind Kind) bool {
	// WIP keys are URLs and never blacklisted
	return kind == KindMap
}

func (f *BlacklistFilter) Check(ctx context.Context, req Request, e *request.Entry, q QueueView) Result {
	if f.contains != nil && f.contains(req.Key) {
		return Reject("blacklisted")
	}
	return Accept()
}
