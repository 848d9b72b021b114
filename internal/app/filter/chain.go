package filter

import (
	"context"

	"github.com/osa030/mapreq/internal/domain/request"
)

// Chain executes filters in sequence.
type Chain struct {
	filters []Filter
}

// NewChain creates a new filter chain.
func NewChain() *Chain {
	return &Chain{
		filters: make([]Filter, 0),
	}
}

// Add adds a filter to the chain.
func (c *Chain) Add(f Filter) {
	c.filters = append(c.filters, f)
}

// Execute runs all filters in sequence.
// Returns immediately if any filter rejects the request.
// Filters are only applied if they declare they apply to the request kind.
func (c *Chain) Execute(ctx context.Context, req Request, e *request.Entry, q QueueView) Result {
	for _, f := range c.filters {
		if !f.AppliesTo(req.Kind) {
			continue
		}

		result := f.Check(ctx, req, e, q)
		if !result.Accepted {
			return result
		}
	}
	return Accept()
}

// Filters returns all filters in the chain.
func (c *Chain) Filters() []Filter {
	return c.filters
}
