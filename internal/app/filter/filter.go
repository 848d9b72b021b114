// Package filter provides the filter chain for request validation.
package filter

import (
	"context"
	"fmt"

	"github.com/osa030/mapreq/internal/domain/request"
)

// Kind distinguishes regular map requests from WIP requests.
type Kind int

const (
	KindMap Kind = iota
	KindWip
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	if k == KindWip {
		return "wip"
	}
	return "map"
}

// Request represents a map request to be validated.
type Request struct {
	Key     string
	User    string
	Service string
	Kind    Kind
}

// QueueView is the read-only queue state filters may consult. It is called
// while the queue is locked and must not block.
type QueueView interface {
	IsOpen() bool
	Contains(key string) bool
	ContainsHash(hash string) bool
	CountByUser(user string) int
	Entries() []*request.Entry
}

// Result represents the result of a filter check.
type Result struct {
	Accepted bool
	Code     string // e.g., "queue_closed", "blacklisted", "user_pending"
}

// Accept returns an accepted result.
func Accept() Result {
	return Result{Accepted: true}
}

// Reject returns a rejected result with the given code.
func Reject(code string) Result {
	return Result{Accepted: false, Code: code}
}

// RejectionError is returned by the queue when a filter rejects a request.
type RejectionError struct {
	Code string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("request rejected: %s", e.Code)
}

// Err converts a rejected result into an error; accepted results yield nil.
func (r Result) Err() error {
	if r.Accepted {
		return nil
	}
	return &RejectionError{Code: r.Code}
}

// Filter is the interface for request filters.
type Filter interface {
	// Name returns the filter name (used in config).
	Name() string
	// Description returns a human-readable description.
	Description() string
	// ReturnCodes returns the codes this filter can return.
	ReturnCodes() []string
	// ValidateConfig validates the filter configuration.
	ValidateConfig(settings map[string]any) error
	// AppliesTo returns true if this filter should be applied to the given request kind.
	AppliesTo(kind Kind) bool
	// Check performs the filter check. e is nil before the map is resolved;
	// filters that need metadata accept in that case.
	Check(ctx context.Context, req Request, e *request.Entry, q QueueView) Result
}

// registry holds registered filter factories.
var registry = make(map[string]func() Filter)

// Register registers a filter factory.
func Register(name string, factory func() Filter) {
	registry[name] = factory
}

// GetRegistered returns all registered filter factories.
func GetRegistered() map[string]func() Filter {
	return registry
}
