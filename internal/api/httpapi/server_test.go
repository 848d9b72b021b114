package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/mapreq/internal/app/blacklist"
	"github.com/osa030/mapreq/internal/app/filter"
	"github.com/osa030/mapreq/internal/app/history"
	"github.com/osa030/mapreq/internal/app/notification"
	"github.com/osa030/mapreq/internal/app/queue"
	"github.com/osa030/mapreq/internal/app/resolver"
	"github.com/osa030/mapreq/internal/app/wip"
	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/infra/config"
)

type fakeResolver struct {
	entries map[string]*request.Entry
	err     error
	opts    []resolver.Options
}

func (r *fakeResolver) Resolve(ctx context.Context, key string, opts resolver.Options) (*request.Entry, error) {
	r.opts = append(r.opts, opts)
	key = request.NormalizeKey(key)
	if !request.IsValidKey(key) {
		return nil, errors.Wrapf(resolver.ErrInvalidKey, "key %q", key)
	}
	if r.err != nil {
		return nil, r.err
	}
	e, ok := r.entries[key]
	if !ok {
		return nil, errors.Wrapf(resolver.ErrNotFound, "key %s", key)
	}
	c := e.Clone()
	c.Key = key
	return c, nil
}

type fakeValidator struct {
	links map[string]error
}

func (v *fakeValidator) Resolve(ctx context.Context, input string) (string, error) {
	err, ok := v.links[input]
	if !ok {
		return "", errors.Wrapf(wip.ErrNotWhitelisted, "%s", input)
	}
	if err != nil {
		return "", err
	}
	return input, nil
}

type fakeSelector struct {
	selected []string
}

func (s *fakeSelector) Select(e *request.Entry) {
	s.selected = append(s.selected, e.Key)
}

type testServer struct {
	*httptest.Server
	api      *Server
	queue    *queue.Engine
	resolver *fakeResolver
	selector *fakeSelector
	notifier *notification.Manager
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()

	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Admin.Token = token

	res := &fakeResolver{entries: map[string]*request.Entry{
		"abc123": {Title: "First", Hash: "AAAA"},
		"def456": {Title: "Second", Hash: "BBBB"},
		"789abc": {Title: "Third", Hash: "CCCC"},
	}}
	notifier := notification.NewManager(notification.Config{SendTimeout: time.Second}, nil)
	bl := blacklist.New(nil, notifier)
	hist := history.New(nil)

	chain, err := filter.NewChainFromConfig(cfg, bl.Contains)
	require.NoError(t, err)

	engine := queue.NewEngine(queue.Deps{
		Resolver: res,
		Filters:  chain,
		Notifier: notifier,
		History:  hist,
	}, true)
	engine.SetBlacklist(bl)
	bl.SetQueue(engine)

	sel := &fakeSelector{}
	api := New(Deps{
		Config:    cfg,
		Queue:     engine,
		Resolver:  res,
		Blacklist: bl,
		History:   hist,
		Wip: &fakeValidator{links: map[string]error{
			"https://files.catbox.moe/ok.zip":    nil,
			"https://files.catbox.moe/empty.zip": errors.Wrap(wip.ErrEmpty, "https://files.catbox.moe/empty.zip"),
		}},
		Selector: sel,
		Notifier: notifier,
	})

	ts := &testServer{
		Server:   httptest.NewServer(api),
		api:      api,
		queue:    engine,
		resolver: res,
		selector: sel,
		notifier: notifier,
	}
	t.Cleanup(func() {
		ts.Close()
		notifier.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header http.Header) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp.StatusCode, raw
}

func (ts *testServer) get(t *testing.T, path string) (int, []byte) {
	return ts.do(t, http.MethodGet, path, "", nil)
}

func message(t *testing.T, body []byte) string {
	t.Helper()
	var m messageResponse
	require.NoError(t, json.Unmarshal(body, &m))
	return m.Message
}

func queueKeys(t *testing.T, body []byte) []string {
	t.Helper()
	var entries []*request.Entry
	require.NoError(t, json.Unmarshal(body, &entries))
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func TestServer_AddScenario(t *testing.T) {
	ts := newTestServer(t, "")

	status, body := ts.get(t, "/addkey/abc123?user=alice")
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = ts.get(t, "/addkey/def456?user=bob&prepend=true")
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = ts.get(t, "/queue")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"def456", "abc123"}, queueKeys(t, body))

	status, body = ts.get(t, "/queue/where/ALICE")
	require.Equal(t, http.StatusOK, status)
	var where []queue.Position
	require.NoError(t, json.Unmarshal(body, &where))
	require.Len(t, where, 1)
	assert.Equal(t, 2, where[0].Spot)
	assert.Equal(t, "abc123", where[0].Entry.Key)

	status, body = ts.get(t, "/queue/move/1/bottom")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"abc123", "def456"}, queueKeys(t, body))
}

func TestServer_WhereIsUser(t *testing.T) {
	ts := newTestServer(t, "")
	for _, add := range []string{"/addkey/abc123?user=alice", "/addkey/def456?user=bob", "/addkey/789abc?user=alice"} {
		status, body := ts.get(t, add)
		require.Equal(t, http.StatusOK, status, string(body))
	}

	status, body := ts.get(t, "/queue/where/alice")
	require.Equal(t, http.StatusOK, status)

	var where []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &where))
	require.Len(t, where, 2)
	assert.JSONEq(t, `1`, string(where[0]["spot"]))
	assert.JSONEq(t, `3`, string(where[1]["spot"]))

	var first, second request.Entry
	require.NoError(t, json.Unmarshal(where[0]["entry"], &first))
	require.NoError(t, json.Unmarshal(where[1]["entry"], &second))
	assert.Equal(t, "abc123", first.Key)
	assert.Equal(t, "alice", first.RequestedBy)
	assert.Equal(t, "789abc", second.Key)

	status, body = ts.get(t, "/queue/where/nobody")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t, "")
	_, _ = ts.get(t, "/addkey/abc123?user=alice")

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "query unknown", method: http.MethodGet, path: "/query/ffff", wantStatus: http.StatusNotFound},
		{name: "add unknown", method: http.MethodGet, path: "/addkey/ffff", wantStatus: http.StatusBadGateway},
		{name: "invalid key", method: http.MethodGet, path: "/addkey/zzz", wantStatus: http.StatusBadRequest},
		{name: "bad prepend", method: http.MethodGet, path: "/addkey/def456?prepend=maybe", wantStatus: http.StatusBadRequest},
		{name: "remove missing", method: http.MethodGet, path: "/removekey/ffff", wantStatus: http.StatusNotFound},
		{name: "move out of bounds", method: http.MethodGet, path: "/queue/move/1/5", wantStatus: http.StatusBadRequest},
		{name: "move bad spot", method: http.MethodGet, path: "/queue/move/x/top", wantStatus: http.StatusBadRequest},
		{name: "open bad bool", method: http.MethodGet, path: "/queue/open/perhaps", wantStatus: http.StatusBadRequest},
		{name: "history bad limit", method: http.MethodGet, path: "/history?limit=-2", wantStatus: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodPost, path: "/queue", wantStatus: http.StatusBadRequest},
		{name: "unknown route", method: http.MethodGet, path: "/nope", wantStatus: http.StatusNotImplemented},
		{name: "blacklist remove missing", method: http.MethodGet, path: "/blacklist/remove/ffff", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.do(t, tt.method, tt.path, "", nil)
			assert.Equal(t, tt.wantStatus, status)
			assert.NotEmpty(t, message(t, body))
		})
	}
	assert.Equal(t, 1, ts.queue.Len(), "failed requests leave the queue unchanged")
}

func TestServer_ResolverUnreachable(t *testing.T) {
	ts := newTestServer(t, "")
	ts.resolver.err = errors.Wrap(resolver.ErrUnreachable, "all sources failed")

	status, _ := ts.get(t, "/query/abc123")
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestServer_QueryNoCache(t *testing.T) {
	ts := newTestServer(t, "")

	status, body := ts.get(t, "/query/nocache/ABC123")
	require.Equal(t, http.StatusOK, status)
	var e request.Entry
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "abc123", e.Key)
	assert.Equal(t, []resolver.Options{{SkipCache: true}}, ts.resolver.opts)
	assert.Zero(t, ts.queue.Len(), "query does not queue")
}

func TestServer_GateAndBlacklist(t *testing.T) {
	ts := newTestServer(t, "")
	cfg := ts.api.config

	status, body := ts.get(t, "/queue/open/false")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"QueueOpen":false}`, string(body))

	status, body = ts.get(t, "/addkey/abc123")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, cfg.Messages.QueueClosed, message(t, body))

	_, _ = ts.get(t, "/queue/open/true")
	status, body = ts.get(t, "/queue/status")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"QueueOpen":true}`, string(body))

	_, _ = ts.get(t, "/addkey/abc123")
	_, _ = ts.get(t, "/addkey/def456")

	status, body = ts.get(t, "/blacklist/add/ABC123")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `["abc123"]`, string(body))
	assert.False(t, ts.queue.Contains("abc123"))

	status, body = ts.get(t, "/addkey/abc123")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, cfg.Messages.Blacklisted, message(t, body))

	status, body = ts.get(t, "/blacklist/remove/abc123")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))
}

func TestServer_AddWip(t *testing.T) {
	ts := newTestServer(t, "")
	_, _ = ts.get(t, "/addkey/abc123")

	status, body := ts.do(t, http.MethodPost, "/addwip?user=carol", "https://files.catbox.moe/empty.zip", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, message(t, body), "empty")
	assert.Equal(t, 1, ts.queue.Len(), "queue unchanged after failed probe")

	status, _ = ts.do(t, http.MethodPost, "/addwip", "https://evil.example.com/x.zip", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodPost, "/addwip?user=carol", "  https://files.catbox.moe/ok.zip\n", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var e request.Entry
	require.NoError(t, json.Unmarshal(body, &e))
	assert.True(t, e.IsWip)
	assert.Equal(t, "carol", e.RequestedBy)

	_, body = ts.get(t, "/queue")
	assert.Equal(t, []string{"https://files.catbox.moe/ok.zip", "abc123"}, queueKeys(t, body))

	status, _ = ts.get(t, "/addwip")
	assert.Equal(t, http.StatusBadRequest, status, "GET is not allowed")
}

func TestServer_ActionsAndHistory(t *testing.T) {
	ts := newTestServer(t, "")
	for _, k := range []string{"abc123", "def456", "789abc"} {
		status, _ := ts.get(t, "/addkey/"+k+"?user=alice")
		require.Equal(t, http.StatusOK, status)
	}

	status, _ := ts.get(t, "/queue/select/2")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"def456"}, ts.selector.selected)

	status, _ = ts.get(t, "/queue/play/top")
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.get(t, "/queue/skip/1")
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.get(t, "/queue/poke/1")
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.get(t, "/queue/play/9")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := ts.get(t, "/queue/acted")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"def456", "abc123"}, queueKeys(t, body))

	status, body = ts.get(t, "/history?limit=5")
	require.Equal(t, http.StatusOK, status)
	var items []history.Item
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "abc123", items[0].Entry.Key)

	status, _ = ts.get(t, "/queue/readd/2")
	require.Equal(t, http.StatusOK, status)
	_, body = ts.get(t, "/queue")
	assert.Equal(t, []string{"789abc", "abc123"}, queueKeys(t, body))

	status, body = ts.get(t, "/queue/ban/1")
	require.Equal(t, http.StatusOK, status, string(body))
	_, body = ts.get(t, "/blacklist")
	assert.JSONEq(t, `["789abc"]`, string(body))

	status, body = ts.get(t, "/queue/clear")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))

	status, body = ts.get(t, "/version")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "goVersion")
}

func TestServer_AdminToken(t *testing.T) {
	ts := newTestServer(t, "secret")

	status, _ := ts.get(t, "/queue/clear")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.do(t, http.MethodGet, "/queue/clear", "", http.Header{AdminTokenHeader: {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.do(t, http.MethodGet, "/queue/clear", "", http.Header{AdminTokenHeader: {"secret"}})
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.get(t, "/addkey/abc123")
	assert.Equal(t, http.StatusOK, status, "viewer routes need no token")
}

func TestServer_RecoversPanics(t *testing.T) {
	ts := newTestServer(t, "")
	ts.api.routes = append([]route{{
		method:  http.MethodGet,
		pattern: []string{"boom"},
		handle: func(r *http.Request, args []string) (any, error) {
			panic("boom")
		},
	}}, ts.api.routes...)

	status, body := ts.get(t, "/boom")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", message(t, body))

	status, _ = ts.get(t, "/queue")
	assert.Equal(t, http.StatusOK, status, "server keeps serving after a panic")
}

func TestServer_Socket(t *testing.T) {
	ts := newTestServer(t, "")

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/socket", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.notifier.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	status, _ := ts.get(t, "/addkey/abc123?user=alice")
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Len(t, msg, 3)
	require.Contains(t, msg, "Timestamp")
	require.Contains(t, msg, "EventType")
	require.Contains(t, msg, "Data")

	var eventType string
	require.NoError(t, json.Unmarshal(msg["EventType"], &eventType))
	assert.Equal(t, notification.EventMapAdded, eventType)
	var entry request.Entry
	require.NoError(t, json.Unmarshal(msg["Data"], &entry))
	assert.Equal(t, "abc123", entry.Key)

	conn.Close()
	assert.Eventually(t, func() bool { return ts.notifier.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}
