package service

import "github.com/danmuck/sfipc/internal/hipc"

// MaxBuffers is the fixed number of buffer and out-handle slots per call.
const MaxBuffers = 8

// BufferAttr describes how one buffer slot is transferred.
type BufferAttr uint32

const (
	BufferIn BufferAttr = 1 << iota
	BufferOut
	BufferMapAlias
	BufferPointer
	BufferFixedSize
	BufferAutoSelect
	BufferMapTransferAllowsNonSecure
	BufferMapTransferAllowsNonDevice
)

// Buffer is one buffer slot. Address is in the caller's address space and
// is passed through to the kernel untouched. A zero Attr leaves the slot
// unused.
type Buffer struct {
	Attr    BufferAttr
	Address uint64
	Size    uint64
}

// OutHandleAttr selects which response list an output handle is read from.
type OutHandleAttr uint8

const (
	OutHandleNone OutHandleAttr = iota
	OutHandleCopy
	OutHandleMove
)

// InHandle is a handle attached to a request. Move transfers ownership to
// the remote side; otherwise the handle is copied.
type InHandle struct {
	Handle hipc.Handle
	Move   bool
}

// DispatchOptions is everything about a call besides the command id and
// the input/output payloads.
type DispatchOptions struct {
	Context        uint32
	SendPID        bool
	Buffers        [MaxBuffers]Buffer
	InObjects      []Session
	InHandles      []InHandle
	OutObjectCount int
	OutHandleAttrs [MaxBuffers]OutHandleAttr
	// TargetHandle, when set, receives the request instead of the
	// session's own handle.
	TargetHandle hipc.Handle
}

// Reply holds the outputs of a successful call.
type Reply struct {
	// PID is hipc.NoPID unless the response carried a process id.
	PID     uint64
	Objects []Session
	// Handles has one entry per non-None OutHandleAttrs slot, in slot order.
	Handles []hipc.Handle
}
