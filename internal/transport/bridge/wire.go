package bridge

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/sfipc/internal/protocol/frame"
	"github.com/danmuck/sfipc/internal/protocol/tlv"
	"github.com/danmuck/sfipc/internal/transport"
)

// Message types. Responses reuse the request type with FlagIsResponse set.
const (
	MsgConnect     uint16 = 1
	MsgSend        uint16 = 2
	MsgCloseHandle uint16 = 3
)

// Field ids.
const (
	FieldService   uint16 = 1
	FieldHandle    uint16 = 2
	FieldMessage   uint16 = 3
	FieldErrorKind uint16 = 4
	FieldError     uint16 = 5
)

// Error kinds carried in FieldErrorKind so that transport sentinels survive
// the hop.
const (
	errKindOther          = "other"
	errKindUnknownService = "unknown_service"
	errKindInvalidHandle  = "invalid_handle"
	errKindClosed         = "closed"
)

var (
	// ErrRemote wraps failures reported by the relay that map to no known
	// transport sentinel.
	ErrRemote   = errors.New("bridge: relay error")
	ErrProtocol = errors.New("bridge: protocol violation")
)

func msgName(typ uint16) string {
	switch typ {
	case MsgConnect:
		return "connect"
	case MsgSend:
		return "send"
	case MsgCloseHandle:
		return "close_handle"
	default:
		return fmt.Sprintf("type_%d", typ)
	}
}

func writeFrame(w io.Writer, messageID uint64, typ uint16, flags uint32, fields []tlv.Field) error {
	return frame.WriteFrame(w, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: typ,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

func errorFields(err error) []tlv.Field {
	kind := errKindOther
	switch {
	case errors.Is(err, transport.ErrUnknownService):
		kind = errKindUnknownService
	case errors.Is(err, transport.ErrInvalidHandle):
		kind = errKindInvalidHandle
	case errors.Is(err, transport.ErrClosed):
		kind = errKindClosed
	}
	return []tlv.Field{
		tlv.String(FieldErrorKind, kind),
		tlv.String(FieldError, err.Error()),
	}
}

func decodeError(fields []tlv.Field) error {
	kind, err := tlv.GetString(fields, FieldErrorKind)
	if err != nil {
		return fmt.Errorf("%w: error frame: %w", ErrProtocol, err)
	}
	msg, _ := tlv.GetString(fields, FieldError)
	sentinel := ErrRemote
	switch kind {
	case errKindUnknownService:
		sentinel = transport.ErrUnknownService
	case errKindInvalidHandle:
		sentinel = transport.ErrInvalidHandle
	case errKindClosed:
		sentinel = transport.ErrClosed
	}
	return fmt.Errorf("%w: relay: %s", sentinel, msg)
}
