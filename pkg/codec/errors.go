package codec

import "github.com/pkg/errors"

var (
	ErrBadValue         = errors.New("bad value")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrUnsupported      = errors.New("unsupported")
	// Component status codes are not translated yet; backend failures
	// collapse to ErrUnknown.
	ErrUnknown = errors.New("unknown error")
)

// ActionCode tells the client how severe an error is.
type ActionCode int

const (
	ActionCodeFatal ActionCode = iota
)

func (a ActionCode) String() string {
	switch a {
	case ActionCodeFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}
