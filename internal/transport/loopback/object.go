package loopback

import (
	"context"

	"github.com/danmuck/sfipc/internal/hipc"
)

// Call is one decoded command as seen by an Object.
type Call struct {
	Service   string
	ObjectID  uint32
	CommandID uint32
	Context   uint32
	// PID is hipc.NoPID unless the request asked for the sender's pid.
	PID         uint64
	Data        []byte
	Objects     []uint32
	CopyHandles []hipc.Handle
	MoveHandles []hipc.Handle
	// Message exposes descriptors for objects that inspect buffers.
	Message hipc.Message
}

// Answer is what an Object returns. A failing Result discards everything
// else.
type Answer struct {
	Result      hipc.Result
	Data        []byte
	Objects     []Object
	CopyHandles []hipc.Handle
	MoveHandles []hipc.Handle
}

// Object serves commands on one session or domain object.
type Object interface {
	Invoke(ctx context.Context, call *Call) Answer
}

// FuncObject adapts a function to Object.
type FuncObject func(ctx context.Context, call *Call) Answer

func (f FuncObject) Invoke(ctx context.Context, call *Call) Answer { return f(ctx, call) }

// EchoObject answers every command with its own input payload.
type EchoObject struct{}

func (EchoObject) Invoke(_ context.Context, call *Call) Answer {
	return Answer{Data: call.Data}
}

// Fail answers with rc.
func Fail(rc hipc.Result) Answer { return Answer{Result: rc} }
