package hipc

import (
	"errors"
	"fmt"
)

// MessageBufferSize is the capacity of one message buffer.
const MessageBufferSize = 0x100

const (
	// AutoRecvStatic requests a single automatically placed receive static.
	AutoRecvStatic = 0xFF
	// NoPID marks a response that did not carry a process id.
	NoPID = ^uint64(0)
)

const (
	headerSize        = 8
	specialHeaderSize = 4
	pidSize           = 8
	handleSize        = 4
	staticDescSize    = 8
	bufferDescSize    = 12
	recvListEntrySize = 8
)

var (
	ErrMessageTooLarge    = errors.New("hipc: message does not fit in buffer")
	ErrTruncated          = errors.New("hipc: truncated message")
	ErrFieldOverflow      = errors.New("hipc: header field overflow")
	ErrDescriptorOverflow = errors.New("hipc: more descriptors than declared")
)

// Handle is a kernel object handle.
type Handle uint32

// InvalidHandle is the zero handle value.
const InvalidHandle Handle = 0

// Result is a kernel or service result code. Zero means success.
type Result uint32

func (r Result) Succeeded() bool { return r == 0 }
func (r Result) Failed() bool    { return r != 0 }

// Module returns the 9-bit module field.
func (r Result) Module() uint32 { return uint32(r) & 0x1FF }

// Description returns the 13-bit description field.
func (r Result) Description() uint32 { return (uint32(r) >> 9) & 0x1FFF }

// String renders r in the 2MMM-DDDD form used by error reports.
func (r Result) String() string {
	return fmt.Sprintf("%04d-%04d", 2000+r.Module(), r.Description())
}

// MakeResult builds a result from its module and description.
func MakeResult(module, description uint32) Result {
	return Result((module & 0x1FF) | (description&0x1FFF)<<9)
}

// BufferMode is the mapping mode attached to a buffer descriptor.
type BufferMode uint8

const (
	BufferModeNormal    BufferMode = 0
	BufferModeNonSecure BufferMode = 1
	BufferModeInvalid   BufferMode = 2
	BufferModeNonDevice BufferMode = 3
)

// Metadata describes the shape of one message. NumRecvStatics may be
// AutoRecvStatic.
type Metadata struct {
	Type           uint16
	NumSendStatics int
	NumSendBuffers int
	NumRecvBuffers int
	NumExchBuffers int
	NumDataWords   int
	NumRecvStatics int
	SendPID        bool
	NumCopyHandles int
	NumMoveHandles int
}

func (m Metadata) hasSpecialHeader() bool {
	return m.SendPID || m.NumCopyHandles > 0 || m.NumMoveHandles > 0
}

func (m Metadata) recvListEntries() int {
	if m.NumRecvStatics == AutoRecvStatic {
		return 1
	}
	return m.NumRecvStatics
}

func (m Metadata) recvStaticMode() uint32 {
	switch {
	case m.NumRecvStatics == 0:
		return 0
	case m.NumRecvStatics == AutoRecvStatic:
		return 2
	default:
		return 2 + uint32(m.NumRecvStatics)
	}
}

func (m Metadata) validate() error {
	four := []struct {
		name string
		v    int
	}{
		{"num_send_statics", m.NumSendStatics},
		{"num_send_buffers", m.NumSendBuffers},
		{"num_recv_buffers", m.NumRecvBuffers},
		{"num_exch_buffers", m.NumExchBuffers},
		{"num_copy_handles", m.NumCopyHandles},
		{"num_move_handles", m.NumMoveHandles},
	}
	for _, f := range four {
		if f.v < 0 || f.v > 0xF {
			return fmt.Errorf("%w: %s=%d", ErrFieldOverflow, f.name, f.v)
		}
	}
	if m.NumDataWords < 0 || m.NumDataWords > 0x3FF {
		return fmt.Errorf("%w: num_data_words=%d", ErrFieldOverflow, m.NumDataWords)
	}
	if m.NumRecvStatics != AutoRecvStatic && (m.NumRecvStatics < 0 || m.NumRecvStatics > 0xF-2) {
		return fmt.Errorf("%w: num_recv_statics=%d", ErrFieldOverflow, m.NumRecvStatics)
	}
	return nil
}

// StaticDescriptor is a pointer-style buffer sent with the message.
type StaticDescriptor struct {
	Index   uint8
	Address uint64
	Size    uint16
}

// BufferDescriptor is a mapped buffer (send, receive or exchange).
type BufferDescriptor struct {
	Address uint64
	Size    uint64
	Mode    BufferMode
}

// RecvListEntry is one receive-static slot offered to the server.
type RecvListEntry struct {
	Address uint64
	Size    uint16
}
