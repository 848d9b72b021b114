// Package httpapi provides the HTTP control API and the WebSocket endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mapreq/internal/app/blacklist"
	"github.com/osa030/mapreq/internal/app/history"
	"github.com/osa030/mapreq/internal/app/notification"
	"github.com/osa030/mapreq/internal/app/queue"
	"github.com/osa030/mapreq/internal/app/resolver"
	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/infra/config"
	"github.com/osa030/mapreq/internal/infra/logger"
)

const (
	// AdminTokenHeader is the header name for admin authentication token.
	AdminTokenHeader = "X-Admin-Token"

	maxWipBody = 4 << 10
)

// Resolver resolves keys without queueing them.
type Resolver interface {
	Resolve(ctx context.Context, key string, opts resolver.Options) (*request.Entry, error)
}

// WipValidator checks a WIP link and returns the URL to queue.
type WipValidator interface {
	Resolve(ctx context.Context, input string) (string, error)
}

// Selector starts fetching details for a selected entry.
type Selector interface {
	Select(e *request.Entry)
}

// Deps holds the components the API exposes. Selector may be nil.
type Deps struct {
	Config    *config.Config
	Queue     *queue.Engine
	Resolver  Resolver
	Blacklist *blacklist.Store
	History   *history.Ledger
	Wip       WipValidator
	Selector  Selector
	Notifier  *notification.Manager
}

type handlerFunc func(r *http.Request, args []string) (any, error)

type route struct {
	method  string // empty accepts any method
	pattern []string
	admin   bool
	handle  handlerFunc
}

// Server routes requests by path segment. Every response body is JSON.
type Server struct {
	config    *config.Config
	queue     *queue.Engine
	resolver  Resolver
	blacklist *blacklist.Store
	history   *history.Ledger
	wip       WipValidator
	selector  Selector
	notifier  *notification.Manager

	routes   []route
	upgrader websocket.Upgrader
}

// New creates a new Server.
func New(deps Deps) *Server {
	s := &Server{
		config:    deps.Config,
		queue:     deps.Queue,
		resolver:  deps.Resolver,
		blacklist: deps.Blacklist,
		history:   deps.History,
		wip:       deps.Wip,
		selector:  deps.Selector,
		notifier:  deps.Notifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes = s.buildRoutes()
	return s
}

type messageResponse struct {
	Message string `json:"message"`
}

// ServeHTTP dispatches the request to the matching route.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer s.recoverPanic(w, r)

	segments := splitPath(r.URL.EscapedPath())
	if len(segments) == 1 && segments[0] == "socket" {
		s.serveSocket(w, r)
		return
	}

	rt, args, ok := s.match(segments)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, messageResponse{Message: "unknown route: " + r.URL.Path})
		return
	}
	if rt.method != "" && r.Method != rt.method {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "MethodNotAllowed"})
		return
	}
	if rt.admin && !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, messageResponse{Message: "invalid admin token"})
		return
	}

	v, err := rt.handle(r, args)
	if err != nil {
		status, msg := s.statusOf(err)
		if status >= http.StatusInternalServerError {
			zlog.Error().Msgf("request failed: method=%s path=%s error=%v", r.Method, r.URL.Path, err)
		} else {
			zlog.Debug().Msgf("request refused: method=%s path=%s status=%d error=%v", r.Method, r.URL.Path, status, err)
		}
		writeJSON(w, status, messageResponse{Message: msg})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) match(segments []string) (route, []string, bool) {
	for _, rt := range s.routes {
		if len(rt.pattern) != len(segments) {
			continue
		}
		var args []string
		matched := true
		for i, p := range rt.pattern {
			if p == "*" {
				args = append(args, segments[i])
				continue
			}
			if !strings.EqualFold(p, segments[i]) {
				matched = false
				break
			}
		}
		if matched {
			return rt, args, true
		}
	}
	return route{}, nil, false
}

func (s *Server) authorized(r *http.Request) bool {
	token := s.config.Admin.Token
	if token == "" {
		return true
	}
	return r.Header.Get(AdminTokenHeader) == token
}

// recoverPanic turns a handler panic into a 500 response.
func (s *Server) recoverPanic(w http.ResponseWriter, r *http.Request) {
	if v := recover(); v != nil {
		zlog.Error().Msgf("panic in handler: method=%s path=%s panic=%v\n%s", r.Method, r.URL.Path, v, debug.Stack())
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "internal error"})
	}
}

// serveSocket upgrades the connection and subscribes it to broadcasts. The
// socket is server-to-client; incoming frames are read only to notice close.
func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	log := logger.Component("socket")

	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "websocket upgrade required"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Msgf("websocket upgrade failed: remote=%s error=%v", r.RemoteAddr, err)
		return
	}

	timeout := time.Duration(s.config.Notification.SendTimeoutMs) * time.Millisecond
	stream := notification.NewWebSocketStream(conn, timeout)
	id := s.notifier.Subscribe(stream)
	log.Debug().Msgf("socket connected: id=%s remote=%s", id, r.RemoteAddr)

	go func() {
		defer func() {
			s.notifier.Unsubscribe(id)
			stream.Close()
			log.Debug().Msgf("socket disconnected: id=%s", id)
		}()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

func splitPath(p string) []string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if u, err := url.PathUnescape(part); err == nil {
			part = u
		}
		out = append(out, part)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn().Msgf("failed to write response: error=%v", err)
	}
}
