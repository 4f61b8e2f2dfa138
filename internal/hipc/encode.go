package hipc

import "encoding/binary"

// Request is a message laid out in a caller-owned buffer. The Add* methods
// fill the descriptor and handle regions in order; each region accepts at
// most the count declared in the Metadata passed to MakeRequest.
type Request struct {
	buf  []byte
	meta Metadata

	pidOff      int
	copyOff     int
	moveOff     int
	staticOff   int
	sendBufOff  int
	recvBufOff  int
	exchBufOff  int
	dataOff     int
	recvListOff int
	size        int

	nCopy, nMove, nStatic, nSend, nRecv, nExch, nRecvList int
}

// MakeRequest writes the header (and special header) for meta into buf and
// returns a Request positioned over the remaining regions. The used prefix of
// buf is cleared first.
func MakeRequest(buf []byte, meta Metadata) (*Request, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}
	r := &Request{buf: buf, meta: meta, pidOff: -1}

	off := headerSize
	if meta.hasSpecialHeader() {
		off += specialHeaderSize
		if meta.SendPID {
			r.pidOff = off
			off += pidSize
		}
	}
	r.copyOff = off
	off += meta.NumCopyHandles * handleSize
	r.moveOff = off
	off += meta.NumMoveHandles * handleSize
	r.staticOff = off
	off += meta.NumSendStatics * staticDescSize
	r.sendBufOff = off
	off += meta.NumSendBuffers * bufferDescSize
	r.recvBufOff = off
	off += meta.NumRecvBuffers * bufferDescSize
	r.exchBufOff = off
	off += meta.NumExchBuffers * bufferDescSize
	r.dataOff = off
	off += meta.NumDataWords * 4
	r.recvListOff = off
	off += meta.recvListEntries() * recvListEntrySize
	if off > len(buf) {
		return nil, ErrMessageTooLarge
	}
	r.size = off
	clear(buf[:off])

	w0 := uint32(meta.Type) |
		uint32(meta.NumSendStatics)<<16 |
		uint32(meta.NumSendBuffers)<<20 |
		uint32(meta.NumRecvBuffers)<<24 |
		uint32(meta.NumExchBuffers)<<28
	w1 := uint32(meta.NumDataWords) | meta.recvStaticMode()<<10
	if meta.hasSpecialHeader() {
		w1 |= 1 << 31
	}
	binary.LittleEndian.PutUint32(buf[0:4], w0)
	binary.LittleEndian.PutUint32(buf[4:8], w1)

	if meta.hasSpecialHeader() {
		var sp uint32
		if meta.SendPID {
			sp |= 1
		}
		sp |= uint32(meta.NumCopyHandles) << 1
		sp |= uint32(meta.NumMoveHandles) << 5
		binary.LittleEndian.PutUint32(buf[8:12], sp)
	}
	return r, nil
}

// Size is the number of bytes occupied by the message.
func (r *Request) Size() int { return r.size }

// Metadata returns the shape the request was built with.
func (r *Request) Metadata() Metadata { return r.meta }

// DataWordsOffset is the offset of the first data word from the buffer start.
func (r *Request) DataWordsOffset() int { return r.dataOff }

// DataWords returns the raw data-word region.
func (r *Request) DataWords() []byte {
	return r.buf[r.dataOff : r.dataOff+r.meta.NumDataWords*4]
}

// SetPID stores pid in the process id slot. The kernel overwrites it with
// the caller's real id; servers use it to answer with a pid.
func (r *Request) SetPID(pid uint64) bool {
	if r.pidOff < 0 {
		return false
	}
	binary.LittleEndian.PutUint64(r.buf[r.pidOff:], pid)
	return true
}

func (r *Request) AddCopyHandle(h Handle) error {
	if r.nCopy >= r.meta.NumCopyHandles {
		return ErrDescriptorOverflow
	}
	binary.LittleEndian.PutUint32(r.buf[r.copyOff+r.nCopy*handleSize:], uint32(h))
	r.nCopy++
	return nil
}

func (r *Request) AddMoveHandle(h Handle) error {
	if r.nMove >= r.meta.NumMoveHandles {
		return ErrDescriptorOverflow
	}
	binary.LittleEndian.PutUint32(r.buf[r.moveOff+r.nMove*handleSize:], uint32(h))
	r.nMove++
	return nil
}

func (r *Request) AddSendStatic(d StaticDescriptor) error {
	if r.nStatic >= r.meta.NumSendStatics {
		return ErrDescriptorOverflow
	}
	putStatic(r.buf[r.staticOff+r.nStatic*staticDescSize:], d)
	r.nStatic++
	return nil
}

func (r *Request) AddSendBuffer(d BufferDescriptor) error {
	if r.nSend >= r.meta.NumSendBuffers {
		return ErrDescriptorOverflow
	}
	putBuffer(r.buf[r.sendBufOff+r.nSend*bufferDescSize:], d)
	r.nSend++
	return nil
}

func (r *Request) AddRecvBuffer(d BufferDescriptor) error {
	if r.nRecv >= r.meta.NumRecvBuffers {
		return ErrDescriptorOverflow
	}
	putBuffer(r.buf[r.recvBufOff+r.nRecv*bufferDescSize:], d)
	r.nRecv++
	return nil
}

func (r *Request) AddExchBuffer(d BufferDescriptor) error {
	if r.nExch >= r.meta.NumExchBuffers {
		return ErrDescriptorOverflow
	}
	putBuffer(r.buf[r.exchBufOff+r.nExch*bufferDescSize:], d)
	r.nExch++
	return nil
}

func (r *Request) AddRecvStatic(e RecvListEntry) error {
	if r.nRecvList >= r.meta.recvListEntries() {
		return ErrDescriptorOverflow
	}
	putRecvListEntry(r.buf[r.recvListOff+r.nRecvList*recvListEntrySize:], e)
	r.nRecvList++
	return nil
}

func putStatic(b []byte, d StaticDescriptor) {
	w0 := uint32(d.Index)&0x3F |
		uint32(d.Address>>36)&0x3F<<6 |
		uint32(d.Address>>32)&0xF<<12 |
		uint32(d.Size)<<16
	binary.LittleEndian.PutUint32(b[0:4], w0)
	binary.LittleEndian.PutUint32(b[4:8], uint32(d.Address))
}

func putBuffer(b []byte, d BufferDescriptor) {
	w2 := uint32(d.Mode)&0x3 |
		uint32(d.Address>>36)&0x3FFFFF<<2 |
		uint32(d.Size>>32)&0xF<<24 |
		uint32(d.Address>>32)&0xF<<28
	binary.LittleEndian.PutUint32(b[0:4], uint32(d.Size))
	binary.LittleEndian.PutUint32(b[4:8], uint32(d.Address))
	binary.LittleEndian.PutUint32(b[8:12], w2)
}

func putRecvListEntry(b []byte, e RecvListEntry) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.Address))
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.Address>>32)&0xFFFF|uint32(e.Size)<<16)
}
