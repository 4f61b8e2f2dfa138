package cmif

import (
	"encoding/binary"

	"github.com/danmuck/sfipc/internal/hipc"
)

// RequestFormat is the shape of one command request. Buffer counts are per
// transfer kind; auto buffers expand to a pointer plus a mapped buffer.
type RequestFormat struct {
	ObjectID          uint32
	RequestID         uint32
	Context           uint32
	DataSize          int
	ServerPointerSize int

	NumInAutoBuffers    int
	NumOutAutoBuffers   int
	NumInBuffers        int
	NumOutBuffers       int
	NumInOutBuffers     int
	NumInPointers       int
	NumOutPointers      int
	NumOutFixedPointers int

	NumObjects     int
	NumHandles     int
	NumMoveHandles int
	SendPID        bool
}

// Request is a command request under construction.
type Request struct {
	msg  *hipc.Request
	buf  []byte
	data []byte

	objectsOff int
	maxObjects int
	nObjects   int

	outPtrSizesOff int
	nOutPtrSizes   int
	maxOutPtrSizes int

	curInPtrID        uint8
	serverPointerSize int
}

// MakeRequest lays out f into buf and returns the request with its payload
// region of exactly f.DataSize bytes.
func MakeRequest(buf []byte, f RequestFormat) (*Request, error) {
	size := 16
	if f.ObjectID != 0 {
		size += domainInHeaderSize + f.NumObjects*4
	}
	size += inHeaderSize + f.DataSize
	size = (size + 1) &^ 1
	outPtrTableOff := size
	outPtrTableLen := f.NumOutAutoBuffers + f.NumOutPointers
	size += 2 * outPtrTableLen

	typ := CommandTypeRequest
	if f.Context != 0 {
		typ = CommandTypeRequestWithContext
	}
	msg, err := hipc.MakeRequest(buf, hipc.Metadata{
		Type:           uint16(typ),
		NumSendStatics: f.NumInAutoBuffers + f.NumInPointers,
		NumSendBuffers: f.NumInAutoBuffers + f.NumInBuffers,
		NumRecvBuffers: f.NumOutAutoBuffers + f.NumOutBuffers,
		NumExchBuffers: f.NumInOutBuffers,
		NumDataWords:   (size + 3) / 4,
		NumRecvStatics: outPtrTableLen + f.NumOutFixedPointers,
		SendPID:        f.SendPID,
		NumCopyHandles: f.NumHandles,
		NumMoveHandles: f.NumMoveHandles,
	})
	if err != nil {
		return nil, err
	}

	r := &Request{
		msg:               msg,
		buf:               buf,
		maxObjects:        f.NumObjects,
		outPtrSizesOff:    msg.DataWordsOffset() + outPtrTableOff,
		maxOutPtrSizes:    outPtrTableLen,
		serverPointerSize: f.ServerPointerSize,
	}

	start := alignedDataStart(msg.DataWordsOffset())
	hdr := start
	version := uint32(0)
	if f.Context != 0 {
		version = 1
	}
	token := f.Context
	if f.ObjectID != 0 {
		payload := inHeaderSize + f.DataSize
		putDomainInHeader(buf[start:], DomainInHeader{
			Type:         DomainRequestSendMessage,
			NumInObjects: uint8(f.NumObjects),
			DataSize:     uint16(payload),
			ObjectID:     f.ObjectID,
			Token:        f.Context,
		})
		hdr = start + domainInHeaderSize
		r.objectsOff = hdr + payload
		token = 0
	}
	putInHeader(buf[hdr:], version, f.RequestID, token)
	r.data = buf[hdr+inHeaderSize : hdr+inHeaderSize+f.DataSize]
	return r, nil
}

// Data is the writable input payload.
func (r *Request) Data() []byte { return r.data }

// Message exposes the underlying hipc request.
func (r *Request) Message() *hipc.Request { return r.msg }

// ServerPointerSize is the pointer budget left after the pointers added so far.
func (r *Request) ServerPointerSize() int { return r.serverPointerSize }

func (r *Request) InBuffer(addr, size uint64, mode hipc.BufferMode) error {
	return r.msg.AddSendBuffer(hipc.BufferDescriptor{Address: addr, Size: size, Mode: mode})
}

func (r *Request) OutBuffer(addr, size uint64, mode hipc.BufferMode) error {
	return r.msg.AddRecvBuffer(hipc.BufferDescriptor{Address: addr, Size: size, Mode: mode})
}

func (r *Request) InOutBuffer(addr, size uint64, mode hipc.BufferMode) error {
	return r.msg.AddExchBuffer(hipc.BufferDescriptor{Address: addr, Size: size, Mode: mode})
}

func (r *Request) InPointer(addr, size uint64) error {
	if err := r.msg.AddSendStatic(hipc.StaticDescriptor{Index: r.curInPtrID, Address: addr, Size: uint16(size)}); err != nil {
		return err
	}
	r.curInPtrID++
	r.serverPointerSize -= int(size)
	return nil
}

func (r *Request) OutFixedPointer(addr, size uint64) error {
	if err := r.msg.AddRecvStatic(hipc.RecvListEntry{Address: addr, Size: uint16(size)}); err != nil {
		return err
	}
	r.serverPointerSize -= int(size)
	return nil
}

func (r *Request) OutPointer(addr, size uint64) error {
	if err := r.OutFixedPointer(addr, size); err != nil {
		return err
	}
	if r.nOutPtrSizes >= r.maxOutPtrSizes {
		return hipc.ErrDescriptorOverflow
	}
	binary.LittleEndian.PutUint16(r.buf[r.outPtrSizesOff+2*r.nOutPtrSizes:], uint16(size))
	r.nOutPtrSizes++
	return nil
}

// InAutoBuffer sends the buffer as a pointer when it fits the remaining
// server pointer budget, otherwise as a mapped buffer. The unused partner
// descriptor is emitted empty.
func (r *Request) InAutoBuffer(addr, size uint64) error {
	if r.fitsPointer(size) {
		if err := r.InPointer(addr, size); err != nil {
			return err
		}
		return r.InBuffer(0, 0, hipc.BufferModeNormal)
	}
	if err := r.InPointer(0, 0); err != nil {
		return err
	}
	return r.InBuffer(addr, size, hipc.BufferModeNormal)
}

func (r *Request) OutAutoBuffer(addr, size uint64) error {
	if r.fitsPointer(size) {
		if err := r.OutPointer(addr, size); err != nil {
			return err
		}
		return r.OutBuffer(0, 0, hipc.BufferModeNormal)
	}
	if err := r.OutPointer(0, 0); err != nil {
		return err
	}
	return r.OutBuffer(addr, size, hipc.BufferModeNormal)
}

func (r *Request) fitsPointer(size uint64) bool {
	return r.serverPointerSize > 0 && size <= uint64(r.serverPointerSize)
}

// Object appends an input object id. Only valid on domain requests.
func (r *Request) Object(objectID uint32) error {
	if r.nObjects >= r.maxObjects {
		return ErrTooManyObjects
	}
	binary.LittleEndian.PutUint32(r.buf[r.objectsOff+4*r.nObjects:], objectID)
	r.nObjects++
	return nil
}

func (r *Request) CopyHandle(h hipc.Handle) error { return r.msg.AddCopyHandle(h) }
func (r *Request) MoveHandle(h hipc.Handle) error { return r.msg.AddMoveHandle(h) }

// MakeControlRequest writes a control command and returns its payload region.
func MakeControlRequest(buf []byte, requestID uint32, size int) ([]byte, error) {
	actual := 16 + inHeaderSize + size
	msg, err := hipc.MakeRequest(buf, hipc.Metadata{
		Type:         uint16(CommandTypeControl),
		NumDataWords: (actual + 3) / 4,
	})
	if err != nil {
		return nil, err
	}
	hdr := alignedDataStart(msg.DataWordsOffset())
	putInHeader(buf[hdr:], 0, requestID, 0)
	return buf[hdr+inHeaderSize : hdr+inHeaderSize+size], nil
}

// MakeCloseRequest writes a close for a domain object, or for the whole
// session when objectID is zero.
func MakeCloseRequest(buf []byte, objectID uint32) error {
	if objectID == 0 {
		_, err := hipc.MakeRequest(buf, hipc.Metadata{Type: uint16(CommandTypeClose)})
		return err
	}
	msg, err := hipc.MakeRequest(buf, hipc.Metadata{
		Type:         uint16(CommandTypeRequest),
		NumDataWords: (16 + domainInHeaderSize) / 4,
	})
	if err != nil {
		return err
	}
	putDomainInHeader(buf[alignedDataStart(msg.DataWordsOffset()):], DomainInHeader{
		Type:     DomainRequestClose,
		ObjectID: objectID,
	})
	return nil
}
