package httpapi

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/osa030/mapreq/internal/app/blacklist"
	"github.com/osa030/mapreq/internal/app/filter"
	"github.com/osa030/mapreq/internal/app/queue"
	"github.com/osa030/mapreq/internal/app/resolver"
	"github.com/osa030/mapreq/internal/app/wip"
)

var (
	errBadRequest     = errors.New("bad request")
	errNotBlacklisted = errors.New("map is not blacklisted")
)

// statusError forces the response status of the wrapped error.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func withStatus(status int, err error) error {
	return &statusError{status: status, err: err}
}

func badRequest(format string, args ...any) error {
	return errors.Wrapf(errBadRequest, format, args...)
}

// statusOf maps an error to the response status and message.
func (s *Server) statusOf(err error) (int, string) {
	var se *statusError
	if errors.As(err, &se) {
		return se.status, se.Error()
	}

	var rejection *filter.RejectionError
	if errors.As(err, &rejection) {
		return http.StatusForbidden, s.config.GetMessage(rejection.Code)
	}

	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, resolver.ErrInvalidKey),
		errors.Is(err, blacklist.ErrInvalidKey),
		errors.Is(err, queue.ErrInvalidSpot),
		errors.Is(err, queue.ErrOutOfBounds),
		errors.Is(err, queue.ErrUnsupported),
		errors.Is(err, wip.ErrInvalidInput),
		errors.Is(err, wip.ErrNotWhitelisted),
		errors.Is(err, wip.ErrUnreachable),
		errors.Is(err, wip.ErrEmpty),
		errors.Is(err, wip.ErrTooLarge):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, resolver.ErrNotFound),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, errNotBlacklisted):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, resolver.ErrUnreachable):
		return http.StatusBadGateway, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}
