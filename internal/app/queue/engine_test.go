package queue

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/mapreq/internal/app/filter"
	"github.com/osa030/mapreq/internal/app/notification"
	"github.com/osa030/mapreq/internal/app/resolver"
	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/infra/snapshot"
)

type fakeResolver map[string]*request.Entry

func (r fakeResolver) Resolve(ctx context.Context, key string, opts resolver.Options) (*request.Entry, error) {
	key = request.NormalizeKey(key)
	e, ok := r[key]
	if !ok {
		return nil, errors.Wrapf(resolver.ErrNotFound, "key %s", key)
	}
	c := e.Clone()
	c.Key = key
	return c, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (n *fakeNotifier) Broadcast(eventType string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
	n.data = append(n.data, data)
}

func (n *fakeNotifier) last() (string, any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return "", nil
	}
	return n.events[len(n.events)-1], n.data[len(n.data)-1]
}

type fakeSaver struct {
	saved []request.PersistedEntry
	count int
}

func (s *fakeSaver) Save(v any) {
	s.saved = v.([]request.PersistedEntry)
	s.count++
}

type fakeHistory struct {
	entries []*request.Entry
}

func (h *fakeHistory) AddToSession(e *request.Entry) {
	h.entries = append(h.entries, e)
}

type fakeDownloader struct {
	started []string
}

func (d *fakeDownloader) Start(link string) {
	d.started = append(d.started, link)
}

// fakeBlacklist removes banned keys from the engine the way the real store does.
type fakeBlacklist struct {
	engine *Engine
	keys   []string
}

func (b *fakeBlacklist) Add(key string) error {
	b.keys = append(b.keys, key)
	_, _ = b.engine.Remove(key)
	return nil
}

var testMaps = fakeResolver{
	"abc123": {Title: "First", Hash: "AAAA", DurationSeconds: 120},
	"def456": {Title: "Second", Hash: "BBBB", DurationSeconds: 180},
	"789abc": {Title: "Third", Hash: "CCCC", DurationSeconds: 240},
	"1":      {Title: "Fourth", Hash: "DDDD", DurationSeconds: 60},
}

type testEngine struct {
	*Engine
	notifier   *fakeNotifier
	saver      *fakeSaver
	history    *fakeHistory
	downloader *fakeDownloader
	blacklist  *fakeBlacklist
}

func newTestEngine(t *testing.T, chain *filter.Chain) *testEngine {
	t.Helper()
	te := &testEngine{
		notifier:   &fakeNotifier{},
		saver:      &fakeSaver{},
		history:    &fakeHistory{},
		downloader: &fakeDownloader{},
	}
	te.Engine = NewEngine(Deps{
		Resolver:   testMaps,
		Filters:    chain,
		Notifier:   te.notifier,
		Saver:      te.saver,
		History:    te.history,
		Downloader: te.downloader,
	}, true)
	te.blacklist = &fakeBlacklist{engine: te.Engine}
	te.SetBlacklist(te.blacklist)
	return te
}

func keys(entries []*request.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func fill(t *testing.T, q *testEngine, ks ...string) {
	t.Helper()
	for _, k := range ks {
		_, err := q.Add(context.Background(), k, AddOptions{User: "user-" + k})
		require.NoError(t, err)
	}
}

func TestEngine_AddAndPrepend(t *testing.T) {
	q := newTestEngine(t, nil)
	ctx := context.Background()

	e, err := q.Add(ctx, "ABC123", AddOptions{User: "alice", Service: "twitch"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", e.Key)
	assert.Equal(t, "alice", e.RequestedBy)
	assert.True(t, q.AttentionNeeded())

	_, err = q.Add(ctx, "def456", AddOptions{User: "bob", Prepend: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"def456", "abc123"}, keys(q.Entries()))
	assert.Equal(t, []string{notification.EventMapAdded, notification.EventMapAdded}, q.notifier.events)
	assert.Equal(t, []request.PersistedEntry{
		{Key: "def456", User: "bob"},
		{Key: "abc123", User: "alice", Service: "twitch"},
	}, q.saver.saved)

	q.Acknowledge()
	assert.False(t, q.AttentionNeeded())
}

func TestEngine_AddErrors(t *testing.T) {
	q := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := q.Add(ctx, "xyz!", AddOptions{})
	assert.True(t, errors.Is(err, resolver.ErrInvalidKey))

	_, err = q.Add(ctx, "ffff", AddOptions{})
	assert.True(t, errors.Is(err, resolver.ErrNotFound))

	assert.Zero(t, q.Len())
	assert.Empty(t, q.notifier.events)
}

func TestEngine_AddRunsFilters(t *testing.T) {
	blacklisted := map[string]bool{"def456": true}
	chain := filter.NewChain()
	chain.Add(&filter.QueueOpenFilter{})
	chain.Add(filter.NewBlacklistFilter(func(k string) bool { return blacklisted[k] }))
	chain.Add(filter.NewWipEnabledFilter(false))

	q := newTestEngine(t, chain)
	ctx := context.Background()

	_, err := q.Add(ctx, "def456", AddOptions{})
	var rejection *filter.RejectionError
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, "blacklisted", rejection.Code)

	_, err = q.AddWip(ctx, "https://files.catbox.moe/a.zip", AddOptions{Prepend: true})
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, "wip_disabled", rejection.Code)

	q.SetGateOpen(false)
	assert.False(t, q.IsGateOpen())
	_, err = q.Add(ctx, "abc123", AddOptions{})
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, "queue_closed", rejection.Code)

	q.SetGateOpen(true)
	_, err = q.Add(ctx, "abc123", AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestEngine_AddWip(t *testing.T) {
	q := newTestEngine(t, nil)
	fill(t, q, "abc123")

	e, err := q.AddWip(context.Background(), "https://files.catbox.moe/a.zip", AddOptions{User: "carol", Prepend: true})
	require.NoError(t, err)
	assert.True(t, e.IsWip)
	assert.Equal(t, request.WipTitle, e.Title)
	assert.Empty(t, e.Difficulties)

	assert.Equal(t, []string{"https://files.catbox.moe/a.zip", "abc123"}, keys(q.Entries()))
	assert.True(t, q.saver.saved[0].IsWip)
}

func TestEngine_Remove(t *testing.T) {
	q := newTestEngine(t, nil)
	fill(t, q, "abc123", "def456")

	e, err := q.Remove("DEF456")
	require.NoError(t, err)
	assert.Equal(t, "def456", e.Key)
	assert.Equal(t, []string{"abc123"}, keys(q.Entries()))

	event, _ := q.notifier.last()
	assert.Equal(t, notification.EventMapRemoved, event)

	_, err = q.Remove("def456")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEngine_Move(t *testing.T) {
	tests := []struct {
		name    string
		from    int
		to      Spot
		want    []string
		wantErr bool
	}{
		{name: "first to bottom", from: 1, to: Bottom, want: []string{"def456", "789abc", "abc123"}},
		{name: "last to top", from: 3, to: Top, want: []string{"789abc", "abc123", "def456"}},
		{name: "middle to 1", from: 2, to: At(1), want: []string{"def456", "abc123", "789abc"}},
		{name: "same spot", from: 2, to: At(2), want: []string{"abc123", "def456", "789abc"}},
		{name: "from zero", from: 0, to: At(1), wantErr: true},
		{name: "from past end", from: 4, to: At(1), wantErr: true},
		{name: "to past end", from: 1, to: At(4), wantErr: true},
		{name: "negative to", from: 1, to: At(-1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestEngine(t, nil)
			fill(t, q, "abc123", "def456", "789abc")
			before := keys(q.Entries())

			err := q.Move(tt.from, tt.to)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrOutOfBounds))
				assert.Equal(t, before, keys(q.Entries()))
				return
			}
			require.NoError(t, err)
			got := keys(q.Entries())
			assert.Equal(t, tt.want, got)

			sort.Strings(before)
			sort.Strings(got)
			assert.Equal(t, before, got)
		})
	}
}

func TestEngine_MoveBroadcast(t *testing.T) {
	q := newTestEngine(t, nil)
	fill(t, q, "abc123", "def456", "789abc")

	require.NoError(t, q.Move(1, Bottom))
	event, data := q.notifier.last()
	assert.Equal(t, notification.EventQueueMoved, event)
	moved := data.(MovedEvent)
	assert.Equal(t, 1, moved.From)
	assert.Equal(t, 3, moved.To)
	assert.Equal(t, "abc123", moved.Entry.Key)
}

func TestEngine_Shuffle(t *testing.T) {
	q := newTestEngine(t, nil)

	q.Shuffle()
	assert.Empty(t, q.notifier.events, "empty queue is a no-op")

	fill(t, q, "abc123")
	events := len(q.notifier.events)
	q.Shuffle()
	assert.Len(t, q.notifier.events, events, "single entry is a no-op")

	fill(t, q, "def456", "789abc", "1")
	before := keys(q.Entries())
	q.Shuffle()
	after := keys(q.Entries())
	sort.Strings(before)
	sort.Strings(after)
	assert.Equal(t, before, after)

	event, data := q.notifier.last()
	assert.Equal(t, notification.EventQueueShuffled, event)
	assert.Nil(t, data)
}

func TestEngine_ClearAndWhereIsUser(t *testing.T) {
	q := newTestEngine(t, nil)
	ctx := context.Background()
	for _, k := range []string{"abc123", "def456", "789abc"} {
		user := "alice"
		if k == "def456" {
			user = "bob"
		}
		_, err := q.Add(ctx, k, AddOptions{User: user})
		require.NoError(t, err)
	}

	alice := q.WhereIsUser("ALICE")
	require.Len(t, alice, 2)
	assert.Equal(t, 1, alice[0].Spot)
	assert.Equal(t, "abc123", alice[0].Entry.Key)
	assert.Equal(t, 3, alice[1].Spot)
	assert.Equal(t, "789abc", alice[1].Entry.Key)

	bob := q.WhereIsUser("bob")
	require.Len(t, bob, 1)
	assert.Equal(t, 2, bob[0].Spot)
	assert.Equal(t, "def456", bob[0].Entry.Key)
	assert.Empty(t, q.WhereIsUser("nobody"))

	alice[0].Entry.Title = "changed"
	assert.NotEqual(t, "changed", q.Entries()[0].Title, "positions hold copies")

	q.Clear()
	assert.Zero(t, q.Len())
	assert.False(t, q.AttentionNeeded())
	event, _ := q.notifier.last()
	assert.Equal(t, notification.EventQueueCleared, event)
}

func TestEngine_PlayAndSkip(t *testing.T) {
	q := newTestEngine(t, nil)
	fill(t, q, "abc123", "def456")
	_, err := q.AddWip(context.Background(), "https://files.catbox.moe/a.zip", AddOptions{})
	require.NoError(t, err)

	played, err := q.Play(Top)
	require.NoError(t, err)
	assert.Equal(t, "abc123", played.Key)
	require.Len(t, q.history.entries, 1)
	assert.Equal(t, "abc123", q.history.entries[0].Key)

	skipped, err := q.Skip(At(1))
	require.NoError(t, err)
	assert.Equal(t, "def456", skipped.Key)

	_, err = q.Play(At(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://files.catbox.moe/a.zip"}, q.downloader.started)

	assert.Zero(t, q.Len())
	assert.Equal(t, []string{"https://files.catbox.moe/a.zip", "def456", "abc123"}, keys(q.ActedOn()))

	_, err = q.Play(Top)
	assert.True(t, errors.Is(err, ErrOutOfBounds))

	readded, err := q.ReAdd(3)
	require.NoError(t, err)
	assert.Equal(t, "abc123", readded.Key)
	assert.Equal(t, []string{"abc123"}, keys(q.Entries()))
	event, _ := q.notifier.last()
	assert.Equal(t, notification.EventReAdd, event)

	_, err = q.ReAdd(4)
	assert.True(t, errors.Is(err, ErrOutOfBounds))
}

func TestEngine_Ban(t *testing.T) {
	q := newTestEngine(t, nil)
	fill(t, q, "abc123", "def456")

	banned, err := q.Ban(At(2))
	require.NoError(t, err)
	assert.Equal(t, "def456", banned.Key)
	assert.Equal(t, []string{"def456"}, q.blacklist.keys)
	assert.False(t, q.Contains("def456"))

	event, _ := q.notifier.last()
	assert.Equal(t, notification.EventBan, event)
}

func TestEngine_LinkAndPoke(t *testing.T) {
	q := newTestEngine(t, nil)
	fill(t, q, "abc123")

	e, err := q.Link(Top)
	require.NoError(t, err)
	assert.Equal(t, "abc123", e.Key)
	event, _ := q.notifier.last()
	assert.Equal(t, notification.EventLink, event)

	_, err = q.Poke(Top)
	require.NoError(t, err)
	event, data := q.notifier.last()
	assert.Equal(t, notification.EventPoke, event)
	assert.Equal(t, PokeEvent{Key: "abc123", User: "user-abc123"}, data)

	assert.Equal(t, 1, q.Len(), "link and poke leave the queue unchanged")
}

func TestEngine_Restore(t *testing.T) {
	q := newTestEngine(t, nil)
	n := q.Restore(context.Background(), []request.PersistedEntry{
		{Key: "def456", User: "bob"},
		{Key: "ffff", User: "gone"},
		{Key: "https://files.catbox.moe/a.zip", User: "carol", IsWip: true},
		{Key: "abc123", User: "alice", Service: "twitch"},
	})
	assert.Equal(t, 3, n)

	entries := q.Entries()
	assert.Equal(t, []string{"def456", "https://files.catbox.moe/a.zip", "abc123"}, keys(entries))
	assert.Equal(t, "Second", entries[0].Title)
	assert.True(t, entries[1].IsWip)
	assert.Equal(t, "twitch", entries[2].Service)
	assert.Equal(t, 1, q.saver.count, "dropped entries rewrite the snapshot")
}

func TestEngine_SnapshotRoundTrip(t *testing.T) {
	path := t.TempDir() + "/queue.json"
	q := newTestEngine(t, nil)
	fill(t, q, "abc123", "def456")
	_, err := q.AddWip(context.Background(), "https://files.catbox.moe/a.zip", AddOptions{User: "carol"})
	require.NoError(t, err)

	require.NoError(t, snapshot.WriteJSON(path, q.Persisted()))

	var persisted []request.PersistedEntry
	require.NoError(t, snapshot.ReadJSON(path, &persisted))

	restored := newTestEngine(t, nil)
	restored.Restore(context.Background(), persisted)
	assert.Equal(t, q.Persisted(), restored.Persisted())
}

func TestParseSpot(t *testing.T) {
	tests := []struct {
		input   string
		want    Spot
		wantErr bool
	}{
		{input: "top", want: Top},
		{input: "BOTTOM", want: Bottom},
		{input: "3", want: At(3)},
		{input: "-1", want: At(-1)},
		{input: "middle", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSpot(tt.input)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidSpot))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
