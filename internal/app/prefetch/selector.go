package prefetch

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/app/notification"
	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/infra/beatsaver"
)

// MapInfo fetches details shown for the selected map.
type MapInfo interface {
	Description(ctx context.Context, key string) (string, error)
	Stars(ctx context.Context, key string) ([]beatsaver.DiffStars, error)
}

// DescriptionResult is the selectionDescription payload.
type DescriptionResult struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// StarsResult is the selectionStars payload.
type StarsResult struct {
	Key   string                `json:"key"`
	Stars []beatsaver.DiffStars `json:"stars"`
}

// Selector fetches details for the currently selected entry. Selecting
// another entry cancels fetches still running for the previous one.
type Selector struct {
	info     MapInfo
	notifier notification.Broadcaster

	description Slot
	stars       Slot
	wg          sync.WaitGroup
}

// NewSelector creates a new Selector.
func NewSelector(info MapInfo, notifier notification.Broadcaster) *Selector {
	return &Selector{info: info, notifier: notifier}
}

// Select starts the description and star fetches for e.
func (s *Selector) Select(e *request.Entry) {
	if e == nil || e.IsWip {
		s.description.Cancel()
		s.stars.Cancel()
		return
	}
	key := e.Key

	descCtx, descGen := s.description.Begin(context.Background())
	starsCtx, starsGen := s.stars.Begin(context.Background())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer s.description.Finish(descGen)

		desc, err := s.info.Description(descCtx, key)
		if err != nil {
			logFetchError("description", key, err)
			return
		}
		if s.description.Current(descGen) {
			s.notifier.Broadcast(notification.EventSelectionDescription, DescriptionResult{Key: key, Description: desc})
		}
	}()
	go func() {
		defer s.wg.Done()
		defer s.stars.Finish(starsGen)

		stars, err := s.info.Stars(starsCtx, key)
		if err != nil {
			logFetchError("stars", key, err)
			return
		}
		if s.stars.Current(starsGen) {
			s.notifier.Broadcast(notification.EventSelectionStars, StarsResult{Key: key, Stars: stars})
		}
	}()
}

// Close cancels outstanding fetches and waits for them to return.
func (s *Selector) Close() {
	s.description.Cancel()
	s.stars.Cancel()
	s.wg.Wait()
}

func logFetchError(kind, key string, err error) {
	if errors.Is(err, context.Canceled) {
		zlog.Debug().Msgf("prefetch superseded: kind=%s key=%s", kind, key)
		return
	}
	zlog.Warn().Msgf("prefetch failed: kind=%s key=%s error=%v", kind, key, err)
}
