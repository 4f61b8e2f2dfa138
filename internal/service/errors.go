package service

import (
	"errors"
	"fmt"

	"github.com/danmuck/sfipc/internal/hipc"
)

var (
	ErrConnect           = errors.New("service: connect failed")
	ErrHandshake         = errors.New("service: handshake failed")
	ErrTransport         = errors.New("service: transport failed")
	ErrMalformedResponse = errors.New("service: malformed response")
	ErrInvalidRequest    = errors.New("service: invalid request")
)

// RemoteError carries a failing result code returned by the remote side.
type RemoteError struct {
	Result hipc.Result
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("service: remote result %s (%#x)", e.Result, uint32(e.Result))
}

// ResultOf extracts the remote result code from err, if there is one.
func ResultOf(err error) (hipc.Result, bool) {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Result, true
	}
	return 0, false
}

// outcome buckets err for metrics labels.
func outcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
