package queue

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type edge int

const (
	edgeNone edge = iota
	edgeTop
	edgeBottom
)

// Spot is a 1-based queue position or one of the queue ends. Ends are
// resolved against the queue length when the operation runs.
type Spot struct {
	pos  int
	edge edge
}

var (
	// Top is the first spot of the queue.
	Top = Spot{edge: edgeTop}
	// Bottom is the last spot of the queue.
	Bottom = Spot{edge: edgeBottom}
)

// At returns the numeric spot n.
func At(n int) Spot {
	return Spot{pos: n}
}

// ParseSpot parses a number, "top" or "bottom".
func ParseSpot(s string) (Spot, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "top":
		return Top, nil
	case "bottom":
		return Bottom, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return Spot{}, errors.Wrapf(ErrInvalidSpot, "%q", s)
	}
	return At(n), nil
}

func (s Spot) String() string {
	switch s.edge {
	case edgeTop:
		return "top"
	case edgeBottom:
		return "bottom"
	}
	return strconv.Itoa(s.pos)
}

// index converts the spot into a 0-based index into a queue of length n.
func (s Spot) index(n int) (int, error) {
	if n == 0 {
		return 0, errors.Wrap(ErrOutOfBounds, "the queue is empty")
	}
	switch s.edge {
	case edgeTop:
		return 0, nil
	case edgeBottom:
		return n - 1, nil
	}
	if s.pos < 1 || s.pos > n {
		return 0, errors.Wrapf(ErrOutOfBounds, "spot %d is outside 1..%d", s.pos, n)
	}
	return s.pos - 1, nil
}
