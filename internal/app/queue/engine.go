// Package queue provides the request queue engine.
package queue

import (
	"context"
	"math/rand"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/app/filter"
	"github.com/osa030/mapreq/internal/app/notification"
	"github.com/osa030/mapreq/internal/app/resolver"
	"github.com/osa030/mapreq/internal/domain/request"
)

var (
	// ErrNotFound is returned when no queued entry matches the key.
	ErrNotFound = errors.New("map not in queue")
	// ErrOutOfBounds is returned for spots outside the current queue.
	ErrOutOfBounds = errors.New("spot out of bounds")
	// ErrInvalidSpot is returned when a spot cannot be parsed.
	ErrInvalidSpot = errors.New("invalid spot")
	// ErrUnsupported is returned when an action does not apply to the entry.
	ErrUnsupported = errors.New("action not supported for this map")
)

// Resolver resolves map keys into entries.
type Resolver interface {
	Resolve(ctx context.Context, key string, opts resolver.Options) (*request.Entry, error)
}

// Saver persists queue snapshots without blocking.
type Saver interface {
	Save(v any)
}

// History records played entries.
type History interface {
	AddToSession(e *request.Entry)
}

// Blacklister bans keys. Adding a key removes it from the queue.
type Blacklister interface {
	Add(key string) error
}

// WipDownloader starts a WIP archive download.
type WipDownloader interface {
	Start(link string)
}

// Deps holds the engine collaborators. Only Resolver and Notifier are
// required.
type Deps struct {
	Resolver   Resolver
	Filters    *filter.Chain
	Notifier   notification.Broadcaster
	Saver      Saver
	History    History
	Blacklist  Blacklister
	Downloader WipDownloader
}

// AddOptions describes who asked for a map and where it goes.
type AddOptions struct {
	User    string
	Service string
	Prepend bool
}

// MovedEvent is the queueMoved payload. Spots are 1-based.
type MovedEvent struct {
	From  int            `json:"from"`
	To    int            `json:"to"`
	Entry *request.Entry `json:"entry"`
}

// Position is a queued request and its 1-based spot.
type Position struct {
	Spot  int            `json:"spot"`
	Entry *request.Entry `json:"entry"`
}

// PokeEvent is the poke payload.
type PokeEvent struct {
	Key  string `json:"key"`
	User string `json:"user"`
}

// Engine owns the queue and the acted-on list.
type Engine struct {
	mu        sync.Mutex
	entries   []*request.Entry
	acted     []*request.Entry // most recent first
	open      bool
	attention bool

	resolver   Resolver
	filters    *filter.Chain
	notifier   notification.Broadcaster
	saver      Saver
	history    History
	blacklist  Blacklister
	downloader WipDownloader
}

// NewEngine creates a new Engine. open sets the initial state of the gate.
func NewEngine(deps Deps, open bool) *Engine {
	filters := deps.Filters
	if filters == nil {
		filters = filter.NewChain()
	}
	return &Engine{
		open:       open,
		resolver:   deps.Resolver,
		filters:    filters,
		notifier:   deps.Notifier,
		saver:      deps.Saver,
		history:    deps.History,
		blacklist:  deps.Blacklist,
		downloader: deps.Downloader,
	}
}

// SetBlacklist sets the blacklist used by Ban. The blacklist itself
// depends on the engine, so it is attached after construction.
func (q *Engine) SetBlacklist(b Blacklister) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.blacklist = b
}

// Add resolves key and queues it. The request gate runs once before the
// lookup and again with the resolved entry.
func (q *Engine) Add(ctx context.Context, key string, opts AddOptions) (*request.Entry, error) {
	key = request.NormalizeKey(key)
	if !request.IsValidKey(key) {
		return nil, errors.Wrapf(resolver.ErrInvalidKey, "key %q", key)
	}
	req := filter.Request{Key: key, User: opts.User, Service: opts.Service, Kind: filter.KindMap}

	if err := q.check(ctx, req, nil); err != nil {
		return nil, err
	}

	e, err := q.resolver.Resolve(ctx, key, resolver.Options{})
	if err != nil {
		return nil, err
	}
	e.RequestedBy = opts.User
	e.Service = opts.Service

	return q.insert(ctx, req, e, opts.Prepend)
}

// AddWip queues a placeholder entry for an already validated WIP link.
func (q *Engine) AddWip(ctx context.Context, link string, opts AddOptions) (*request.Entry, error) {
	req := filter.Request{Key: link, User: opts.User, Service: opts.Service, Kind: filter.KindWip}
	return q.insert(ctx, req, request.NewWip(link, opts.User, opts.Service), opts.Prepend)
}

func (q *Engine) check(ctx context.Context, req filter.Request, e *request.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkLocked(ctx, req, e)
}

func (q *Engine) checkLocked(ctx context.Context, req filter.Request, e *request.Entry) error {
	result := q.filters.Execute(ctx, req, e, view{q})
	if !result.Accepted {
		zlog.Info().Msgf("request rejected: key=%s user=%s kind=%s code=%s", req.Key, req.User, req.Kind, result.Code)
	}
	return result.Err()
}

func (q *Engine) insert(ctx context.Context, req filter.Request, e *request.Entry, prepend bool) (*request.Entry, error) {
	e.StripWipData()

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkLocked(ctx, req, e); err != nil {
		return nil, err
	}

	if prepend {
		q.entries = append([]*request.Entry{e}, q.entries...)
	} else {
		q.entries = append(q.entries, e)
	}
	q.attention = true

	zlog.Info().Msgf("map added: key=%s user=%s title=%s prepend=%v wip=%v", e.Key, e.RequestedBy, e.Title, prepend, e.IsWip)
	q.saveLocked()
	q.broadcast(notification.EventMapAdded, e.Clone())
	return e.Clone(), nil
}

// Remove removes the first entry matching key.
func (q *Engine) Remove(key string) (*request.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if !e.MatchesKey(key) {
			continue
		}
		q.removeAt(i)
		zlog.Info().Msgf("map removed: key=%s", e.Key)
		q.saveLocked()
		q.broadcast(notification.EventMapRemoved, e.Clone())
		return e.Clone(), nil
	}
	return nil, errors.Wrapf(ErrNotFound, "key %s", key)
}

// Move moves the entry at spot from to spot to.
func (q *Engine) Move(from int, to Spot) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	src, err := At(from).index(n)
	if err != nil {
		return errors.Wrap(err, "from")
	}
	dst, err := to.index(n)
	if err != nil {
		return errors.Wrap(err, "to")
	}

	e := q.removeAt(src)
	q.entries = append(q.entries, nil)
	copy(q.entries[dst+1:], q.entries[dst:])
	q.entries[dst] = e

	zlog.Info().Msgf("map moved: key=%s from=%d to=%d", e.Key, src+1, dst+1)
	q.saveLocked()
	q.broadcast(notification.EventQueueMoved, MovedEvent{From: src + 1, To: dst + 1, Entry: e.Clone()})
	return nil
}

// Shuffle randomises the queue order.
func (q *Engine) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) <= 1 {
		return
	}
	rand.Shuffle(len(q.entries), func(i, j int) {
		q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	})

	zlog.Info().Msgf("queue shuffled: count=%d", len(q.entries))
	q.saveLocked()
	q.broadcast(notification.EventQueueShuffled, nil)
}

// Clear empties the queue.
func (q *Engine) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = nil
	q.attention = false

	zlog.Info().Msg("queue cleared")
	q.saveLocked()
	q.broadcast(notification.EventQueueCleared, nil)
}

// SetGateOpen opens or closes the queue for new requests.
func (q *Engine) SetGateOpen(open bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.open = open
	zlog.Info().Msgf("queue gate changed: open=%v", open)
	q.broadcast(notification.EventQueueOpen, open)
}

// IsGateOpen reports whether the queue accepts requests.
func (q *Engine) IsGateOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.open
}

// WhereIsUser returns the user's requests with their 1-based spots, in
// queue order.
func (q *Engine) WhereIsUser(user string) []Position {
	q.mu.Lock()
	defer q.mu.Unlock()

	positions := make([]Position, 0)
	for i, e := range q.entries {
		if e.RequestedByUser(user) {
			positions = append(positions, Position{Spot: i + 1, Entry: e.Clone()})
		}
	}
	return positions
}

// Entries returns a copy of the queue.
func (q *Engine) Entries() []*request.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.entries)
}

// ActedOn returns a copy of the played and skipped entries, newest first.
func (q *Engine) ActedOn() []*request.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.acted)
}

// Len returns the queue length.
func (q *Engine) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Contains reports whether a queued entry matches key.
func (q *Engine) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return view{q}.Contains(key)
}

// At returns a copy of the entry at spot.
func (q *Engine) At(spot Spot) (*request.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := spot.index(len(q.entries))
	if err != nil {
		return nil, err
	}
	return q.entries[i].Clone(), nil
}

// Play takes the entry at spot out of the queue and records it as played.
func (q *Engine) Play(spot Spot) (*request.Entry, error) {
	e, err := q.actOn(spot, notification.EventPlay)
	if err != nil {
		return nil, err
	}

	if q.history != nil {
		q.history.AddToSession(e.Clone())
	}
	if e.IsWip && q.downloader != nil {
		q.downloader.Start(e.Key)
	}
	return e, nil
}

// Skip takes the entry at spot out of the queue without playing it.
func (q *Engine) Skip(spot Spot) (*request.Entry, error) {
	return q.actOn(spot, notification.EventSkip)
}

func (q *Engine) actOn(spot Spot, event string) (*request.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := spot.index(len(q.entries))
	if err != nil {
		return nil, err
	}
	e := q.removeAt(i)
	q.acted = append([]*request.Entry{e}, q.acted...)

	zlog.Info().Msgf("map %s: key=%s user=%s", event, e.Key, e.RequestedBy)
	q.saveLocked()
	q.broadcast(event, e.Clone())
	return e.Clone(), nil
}

// Ban blacklists the entry at spot, which also removes it from the queue.
func (q *Engine) Ban(spot Spot) (*request.Entry, error) {
	q.mu.Lock()
	bl := q.blacklist
	i, err := spot.index(len(q.entries))
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	e := q.entries[i].Clone()
	q.mu.Unlock()

	if e.IsWip {
		return nil, errors.Wrap(ErrUnsupported, "WIP maps cannot be banned")
	}
	if bl == nil {
		return nil, errors.New("no blacklist configured")
	}
	// The blacklist calls back into Remove, so the engine lock is not held.
	if err := bl.Add(e.Key); err != nil {
		return nil, errors.Wrap(err, "failed to blacklist map")
	}

	q.mu.Lock()
	q.broadcast(notification.EventBan, e)
	q.mu.Unlock()
	return e, nil
}

// Link announces the entry at spot, e.g. so a bot can post its page.
func (q *Engine) Link(spot Spot) (*request.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := spot.index(len(q.entries))
	if err != nil {
		return nil, err
	}
	e := q.entries[i].Clone()
	q.broadcast(notification.EventLink, e)
	return e, nil
}

// Poke notifies the requester of the entry at spot.
func (q *Engine) Poke(spot Spot) (*request.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := spot.index(len(q.entries))
	if err != nil {
		return nil, err
	}
	e := q.entries[i]
	if e.RequestedBy == "" {
		return nil, errors.Wrapf(ErrUnsupported, "map %s has no requester", e.Key)
	}
	q.broadcast(notification.EventPoke, PokeEvent{Key: e.Key, User: e.RequestedBy})
	return e.Clone(), nil
}

// ReAdd queues a copy of the acted-on entry at the 1-based index at the
// tail. The request gate is bypassed.
func (q *Engine) ReAdd(index int) (*request.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := At(index).index(len(q.acted))
	if err != nil {
		return nil, err
	}
	e := q.acted[i].Clone()
	q.entries = append(q.entries, e)

	zlog.Info().Msgf("map re-added: key=%s", e.Key)
	q.saveLocked()
	q.broadcast(notification.EventReAdd, e.Clone())
	return e.Clone(), nil
}

// AttentionNeeded reports whether maps were added since the last Acknowledge.
func (q *Engine) AttentionNeeded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attention
}

// Acknowledge clears the attention indicator.
func (q *Engine) Acknowledge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attention = false
}

// Restore rebuilds the queue from a snapshot. Keys that no longer resolve
// are dropped.
func (q *Engine) Restore(ctx context.Context, persisted []request.PersistedEntry) int {
	restored := make([]*request.Entry, 0, len(persisted))
	for _, p := range persisted {
		if p.IsWip {
			restored = append(restored, request.NewWip(p.Key, p.User, p.Service))
			continue
		}
		e, err := q.resolver.Resolve(ctx, p.Key, resolver.Options{})
		if err != nil {
			zlog.Warn().Msgf("dropping queued map on restore: key=%s error=%v", p.Key, err)
			continue
		}
		e.RequestedBy = p.User
		e.Service = p.Service
		restored = append(restored, e)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = restored
	if len(restored) != len(persisted) {
		q.saveLocked()
	}
	zlog.Info().Msgf("queue restored: count=%d dropped=%d", len(restored), len(persisted)-len(restored))
	return len(restored)
}

// Persisted returns the snapshot tuples of the queue.
func (q *Engine) Persisted() []request.PersistedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistedLocked()
}

func (q *Engine) persistedLocked() []request.PersistedEntry {
	out := make([]request.PersistedEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Persisted()
	}
	return out
}

func (q *Engine) saveLocked() {
	if q.saver != nil {
		q.saver.Save(q.persistedLocked())
	}
}

func (q *Engine) broadcast(event string, data any) {
	if q.notifier != nil {
		q.notifier.Broadcast(event, data)
	}
}

func (q *Engine) removeAt(i int) *request.Entry {
	e := q.entries[i]
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
	return e
}

func cloneAll(entries []*request.Entry) []*request.Entry {
	out := make([]*request.Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

// view exposes the queue to filters. Its methods expect q.mu to be held.
type view struct {
	q *Engine
}

func (v view) IsOpen() bool {
	return v.q.open
}

func (v view) Contains(key string) bool {
	for _, e := range v.q.entries {
		if e.MatchesKey(key) {
			return true
		}
	}
	return false
}

func (v view) ContainsHash(hash string) bool {
	if hash == "" {
		return false
	}
	for _, e := range v.q.entries {
		if e.Hash != "" && strings.EqualFold(e.Hash, hash) {
			return true
		}
	}
	return false
}

func (v view) CountByUser(user string) int {
	n := 0
	for _, e := range v.q.entries {
		if e.RequestedByUser(user) {
			n++
		}
	}
	return n
}

func (v view) Entries() []*request.Entry {
	return v.q.entries
}
