package filter

import (
	"context"

	"github.com/osa030/mapreq/internal/domain/request"
)

// QueueOpenFilter rejects every request while the queue gate is closed.
type QueueOpenFilter struct{}

func (f *QueueOpenFilter) Name() string {
	return "queue_open_filter"
}

func (f *QueueOpenFilter) Description() string {
	return "Checks if the queue is accepting requests"
}

func (f *QueueOpenFilter) ReturnCodes() []string {
	return []string{"queue_closed"}
}

func (f *QueueOpenFilter) ValidateConfig(settings map[string]any) error {
	return nil
}

func (f *QueueOpenFilter) AppliesTo(kind Kind) bool {
	return true
}

func (f *QueueOpenFilter) Check(ctx context.Context, req Request, e *request.Entry, q QueueView) Result {
	if !q.IsOpen() {
		return Reject("queue_closed")
	}
	return Accept()
}
