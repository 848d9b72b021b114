package filter

import (
	"context"

	"github.com/osa030/mapreq/internal/domain/request"
)

// WipEnabledFilter rejects WIP requests when they are turned off.
type WipEnabledFilter struct {
	enabled bool
}

// NewWipEnabledFilter creates a new WipEnabledFilter.
func NewWipEnabledFilter(enabled bool) *WipEnabledFilter {
	return &WipEnabledFilter{enabled: enabled}
}

func (f *WipEnabledFilter) Name() string {
	return "wip_enabled_filter"
}

func (f *WipEnabledFilter) Description() string {
	return "Checks if WIP requests are allowed"
}

func (f *WipEnabledFilter) ReturnCodes() []string {
	return []string{"wip_disabled"}
}

func (f *WipEnabledFilter) ValidateConfig(settings map[string]any) error {
	return nil
}

func (f *WipEnabledFilter) AppliesTo(kind Kind) bool {
	return kind == KindWip
}

func (f *WipEnabledFilter) Check(ctx context.Context, req Request, e *request.Entry, q QueueView) Result {
	if !f.enabled {
		return Reject("wip_disabled")
	}
	return Accept()
}
