// Package transport names the kernel verbs the service client is built on.
//
// Ownership boundary:
// - service name resolution and connect
// - the blocking send-and-wait round trip
// - handle release
//
// Implementations live in subpackages: loopback (in-process stub kernel)
// and bridge (verbs relayed over TCP).
package transport

import (
	"context"
	"errors"

	"github.com/danmuck/sfipc/internal/hipc"
)

var (
	ErrUnknownService = errors.New("transport: unknown service")
	ErrInvalidHandle  = errors.New("transport: invalid handle")
	ErrClosed         = errors.New("transport: closed")
)

// Transport is the narrow set of kernel verbs used by the client.
type Transport interface {
	// Connect resolves name and opens a session to it.
	Connect(ctx context.Context, name string) (hipc.Handle, error)
	// SendSyncRequest sends msg on h and blocks until the answer has been
	// written back into msg.
	SendSyncRequest(ctx context.Context, h hipc.Handle, msg []byte) error
	// CloseHandle releases h.
	CloseHandle(h hipc.Handle) error
}
