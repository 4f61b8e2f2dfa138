package cmif

import (
	"encoding/binary"

	"github.com/danmuck/sfipc/internal/hipc"
)

// Incoming is a request decoded from the receiving side. It exists for
// stand-in servers used by tests and the stub kernel.
type Incoming struct {
	Message   hipc.Message
	Type      CommandType
	Domain    *DomainInHeader
	Version   uint32
	CommandID uint32
	Token     uint32
	Data      []byte
	Objects   []uint32
}

// IsDomainClose reports whether the request closes one domain object.
func (in Incoming) IsDomainClose() bool {
	return in.Domain != nil && in.Domain.Type == DomainRequestClose
}

// ParseIncoming decodes buf as sent to a session that is (isDomain) or is
// not a domain. Close messages carry no cmif headers and decode to Type only.
// Non-domain requests carry no payload size, so Data stops before the unused
// alignment reserve and the out-pointer size table and may keep up to three
// bytes of word padding. Every receive entry is assumed to own a table slot.
func ParseIncoming(buf []byte, isDomain bool) (Incoming, error) {
	msg, err := hipc.ParseRequest(buf)
	if err != nil {
		return Incoming{}, err
	}
	in := Incoming{Message: msg, Type: CommandType(msg.Meta.Type)}
	if in.Type == CommandTypeClose {
		return in, nil
	}

	start := alignedDataStart(msg.DataWordsOffset)
	end := msg.DataEnd()
	hdr := start
	payloadEnd := end - (16 - (start - msg.DataWordsOffset)) - 2*len(msg.RecvList)
	isRequest := in.Type == CommandTypeRequest || in.Type == CommandTypeRequestWithContext
	if isDomain && isRequest {
		if start+domainInHeaderSize > end {
			return Incoming{}, ErrTruncated
		}
		dh := getDomainInHeader(buf[start:])
		in.Domain = &dh
		if dh.Type == DomainRequestClose {
			return in, nil
		}
		hdr = start + domainInHeaderSize
		payloadEnd = hdr + int(dh.DataSize)
		objEnd := payloadEnd + 4*int(dh.NumInObjects)
		if objEnd > len(buf) {
			return Incoming{}, ErrTruncated
		}
		for i := 0; i < int(dh.NumInObjects); i++ {
			in.Objects = append(in.Objects, binary.LittleEndian.Uint32(buf[payloadEnd+4*i:]))
		}
		in.Token = dh.Token
	}
	if in.Domain == nil && payloadEnd < hdr+inHeaderSize && hdr+inHeaderSize <= end {
		payloadEnd = hdr + inHeaderSize
	}
	if hdr+inHeaderSize > payloadEnd || payloadEnd > len(buf) {
		return Incoming{}, ErrTruncated
	}
	if binary.LittleEndian.Uint32(buf[hdr:]) != InHeaderMagic {
		return Incoming{}, ErrInvalidInHeader
	}
	in.Version = binary.LittleEndian.Uint32(buf[hdr+4:])
	in.CommandID = binary.LittleEndian.Uint32(buf[hdr+8:])
	if in.Domain == nil {
		in.Token = binary.LittleEndian.Uint32(buf[hdr+12:])
	}
	in.Data = buf[hdr+inHeaderSize : payloadEnd]
	return in, nil
}

// ResponseFormat is the shape of an answer written by a stand-in server.
type ResponseFormat struct {
	IsDomain       bool
	Result         hipc.Result
	DataSize       int
	NumObjects     int
	NumCopyHandles int
	NumMoveHandles int
}

// Outgoing is a response under construction.
type Outgoing struct {
	msg        *hipc.Request
	buf        []byte
	data       []byte
	objectsOff int
	maxObjects int
	nObjects   int
}

// MakeResponse lays out an answer in buf.
func MakeResponse(buf []byte, f ResponseFormat) (*Outgoing, error) {
	size := 16 + outHeaderSize + f.DataSize
	if f.IsDomain {
		size += domainOutHeaderSize + 4*f.NumObjects
	}
	msg, err := hipc.MakeRequest(buf, hipc.Metadata{
		NumDataWords:   (size + 3) / 4,
		NumCopyHandles: f.NumCopyHandles,
		NumMoveHandles: f.NumMoveHandles,
	})
	if err != nil {
		return nil, err
	}
	start := alignedDataStart(msg.DataWordsOffset())
	hdr := start
	if f.IsDomain {
		binary.LittleEndian.PutUint32(buf[start:], uint32(f.NumObjects))
		hdr = start + domainOutHeaderSize
	}
	binary.LittleEndian.PutUint32(buf[hdr:], OutHeaderMagic)
	binary.LittleEndian.PutUint32(buf[hdr+4:], 0)
	binary.LittleEndian.PutUint32(buf[hdr+8:], uint32(f.Result))
	binary.LittleEndian.PutUint32(buf[hdr+12:], 0)
	dataOff := hdr + outHeaderSize
	return &Outgoing{
		msg:        msg,
		buf:        buf,
		data:       buf[dataOff : dataOff+f.DataSize],
		objectsOff: dataOff + f.DataSize,
		maxObjects: f.NumObjects,
	}, nil
}

func (o *Outgoing) Data() []byte { return o.data }

func (o *Outgoing) Object(id uint32) error {
	if o.nObjects >= o.maxObjects {
		return ErrTooManyObjects
	}
	binary.LittleEndian.PutUint32(o.buf[o.objectsOff+4*o.nObjects:], id)
	o.nObjects++
	return nil
}

func (o *Outgoing) CopyHandle(h hipc.Handle) error { return o.msg.AddCopyHandle(h) }
func (o *Outgoing) MoveHandle(h hipc.Handle) error { return o.msg.AddMoveHandle(h) }
