package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/osa030/mapreq/internal/app/queue"
	"github.com/osa030/mapreq/internal/app/resolver"
	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/version"
)

// StatusResponse is the /queue/status payload.
type StatusResponse struct {
	QueueOpen bool `json:"QueueOpen"`
}

// AttentionResponse is the /queue/ack payload.
type AttentionResponse struct {
	AttentionNeeded bool `json:"AttentionNeeded"`
}

func (s *Server) buildRoutes() []route {
	get := http.MethodGet
	return []route{
		{method: get, pattern: []string{"query", "nocache", "*"}, handle: s.query(true)},
		{method: get, pattern: []string{"query", "*"}, handle: s.query(false)},
		{method: get, pattern: []string{"addkey", "*"}, handle: s.addKey},
		{method: http.MethodPost, pattern: []string{"addwip"}, handle: s.addWip},
		{pattern: []string{"removekey", "*"}, admin: true, handle: s.removeKey},

		{method: get, pattern: []string{"queue"}, handle: s.entries},
		{method: get, pattern: []string{"queue", "where", "*"}, handle: s.whereIsUser},
		{method: get, pattern: []string{"queue", "status"}, handle: s.status},
		{method: get, pattern: []string{"queue", "acted"}, handle: s.actedOn},
		{method: get, pattern: []string{"queue", "clear"}, admin: true, handle: s.clear},
		{method: get, pattern: []string{"queue", "open", "*"}, admin: true, handle: s.setOpen},
		{method: get, pattern: []string{"queue", "move", "*", "*"}, admin: true, handle: s.move},
		{method: get, pattern: []string{"queue", "shuffle"}, admin: true, handle: s.shuffle},
		{method: get, pattern: []string{"queue", "ack"}, admin: true, handle: s.acknowledge},
		{method: get, pattern: []string{"queue", "play", "*"}, admin: true, handle: s.spotAction(s.queue.Play)},
		{method: get, pattern: []string{"queue", "skip", "*"}, admin: true, handle: s.spotAction(s.queue.Skip)},
		{method: get, pattern: []string{"queue", "ban", "*"}, admin: true, handle: s.spotAction(s.queue.Ban)},
		{method: get, pattern: []string{"queue", "link", "*"}, admin: true, handle: s.spotAction(s.queue.Link)},
		{method: get, pattern: []string{"queue", "poke", "*"}, admin: true, handle: s.spotAction(s.queue.Poke)},
		{method: get, pattern: []string{"queue", "readd", "*"}, admin: true, handle: s.reAdd},
		{method: get, pattern: []string{"queue", "select", "*"}, admin: true, handle: s.selectEntry},

		{method: get, pattern: []string{"history"}, handle: s.listHistory},

		{method: get, pattern: []string{"blacklist"}, handle: s.blacklistKeys},
		{method: get, pattern: []string{"blacklist", "add", "*"}, admin: true, handle: s.blacklistAdd},
		{method: get, pattern: []string{"blacklist", "remove", "*"}, admin: true, handle: s.blacklistRemove},

		{method: get, pattern: []string{"version"}, handle: s.version},
	}
}

func (s *Server) query(skipCache bool) handlerFunc {
	return func(r *http.Request, args []string) (any, error) {
		return s.resolver.Resolve(r.Context(), args[0], resolver.Options{SkipCache: skipCache})
	}
}

func (s *Server) addKey(r *http.Request, args []string) (any, error) {
	opts, err := addOptions(r, false)
	if err != nil {
		return nil, err
	}
	e, err := s.queue.Add(r.Context(), args[0], opts)
	if errors.Is(err, resolver.ErrNotFound) {
		return nil, withStatus(http.StatusBadGateway, err)
	}
	return e, err
}

func (s *Server) addWip(r *http.Request, args []string) (any, error) {
	opts, err := addOptions(r, true)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxWipBody))
	if err != nil {
		return nil, badRequest("failed to read request body: %v", err)
	}
	link, err := s.wip.Resolve(r.Context(), strings.TrimSpace(string(body)))
	if err != nil {
		return nil, err
	}
	return s.queue.AddWip(r.Context(), link, opts)
}

func addOptions(r *http.Request, prependDefault bool) (queue.AddOptions, error) {
	q := r.URL.Query()
	opts := queue.AddOptions{
		User:    q.Get("user"),
		Service: q.Get("service"),
		Prepend: prependDefault,
	}
	if v := q.Get("prepend"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, badRequest("invalid prepend value %q", v)
		}
		opts.Prepend = b
	}
	return opts, nil
}

func (s *Server) removeKey(r *http.Request, args []string) (any, error) {
	return s.queue.Remove(args[0])
}

func (s *Server) entries(r *http.Request, args []string) (any, error) {
	return s.queue.Entries(), nil
}

func (s *Server) whereIsUser(r *http.Request, args []string) (any, error) {
	return s.queue.WhereIsUser(args[0]), nil
}

func (s *Server) status(r *http.Request, args []string) (any, error) {
	return StatusResponse{QueueOpen: s.queue.IsGateOpen()}, nil
}

func (s *Server) actedOn(r *http.Request, args []string) (any, error) {
	return s.queue.ActedOn(), nil
}

func (s *Server) clear(r *http.Request, args []string) (any, error) {
	s.queue.Clear()
	return s.queue.Entries(), nil
}

func (s *Server) setOpen(r *http.Request, args []string) (any, error) {
	open, err := strconv.ParseBool(args[0])
	if err != nil {
		return nil, badRequest("invalid open value %q", args[0])
	}
	s.queue.SetGateOpen(open)
	return StatusResponse{QueueOpen: open}, nil
}

func (s *Server) move(r *http.Request, args []string) (any, error) {
	from, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, badRequest("invalid spot %q", args[0])
	}
	to, err := queue.ParseSpot(args[1])
	if err != nil {
		return nil, err
	}
	if err := s.queue.Move(from, to); err != nil {
		return nil, err
	}
	return s.queue.Entries(), nil
}

func (s *Server) shuffle(r *http.Request, args []string) (any, error) {
	s.queue.Shuffle()
	return s.queue.Entries(), nil
}

func (s *Server) acknowledge(r *http.Request, args []string) (any, error) {
	s.queue.Acknowledge()
	return AttentionResponse{AttentionNeeded: s.queue.AttentionNeeded()}, nil
}

func (s *Server) spotAction(action func(queue.Spot) (*request.Entry, error)) handlerFunc {
	return func(r *http.Request, args []string) (any, error) {
		spot, err := queue.ParseSpot(args[0])
		if err != nil {
			return nil, err
		}
		return action(spot)
	}
}

func (s *Server) reAdd(r *http.Request, args []string) (any, error) {
	i, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, badRequest("invalid index %q", args[0])
	}
	return s.queue.ReAdd(i)
}

func (s *Server) selectEntry(r *http.Request, args []string) (any, error) {
	spot, err := queue.ParseSpot(args[0])
	if err != nil {
		return nil, err
	}
	e, err := s.queue.At(spot)
	if err != nil {
		return nil, err
	}
	if s.selector != nil {
		s.selector.Select(e)
	}
	return e, nil
}

func (s *Server) listHistory(r *http.Request, args []string) (any, error) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, badRequest("invalid limit %q", v)
		}
		limit = n
	}
	return s.history.List(limit), nil
}

func (s *Server) blacklistKeys(r *http.Request, args []string) (any, error) {
	return s.blacklist.Keys(), nil
}

func (s *Server) blacklistAdd(r *http.Request, args []string) (any, error) {
	if err := s.blacklist.Add(args[0]); err != nil {
		return nil, err
	}
	return s.blacklist.Keys(), nil
}

func (s *Server) blacklistRemove(r *http.Request, args []string) (any, error) {
	if !s.blacklist.Remove(args[0]) {
		return nil, errors.Wrapf(errNotBlacklisted, "key %s", args[0])
	}
	return s.blacklist.Keys(), nil
}

func (s *Server) version(r *http.Request, args []string) (any, error) {
	return version.Get(), nil
}
