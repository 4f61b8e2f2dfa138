package hipc

import "encoding/binary"

// Message is a decoded view of a message buffer. Slices are copies; the
// data-word region is reported as an offset into the source buffer so that
// upper layers can apply their own alignment rules.
type Message struct {
	Meta            Metadata
	PID             uint64
	CopyHandles     []Handle
	MoveHandles     []Handle
	SendStatics     []StaticDescriptor
	SendBuffers     []BufferDescriptor
	RecvBuffers     []BufferDescriptor
	ExchBuffers     []BufferDescriptor
	DataWordsOffset int
	RecvList        []RecvListEntry
}

// DataEnd is the offset one past the last data word.
func (m Message) DataEnd() int { return m.DataWordsOffset + m.Meta.NumDataWords*4 }

// ParseRequest decodes a request message as a server would see it.
func ParseRequest(buf []byte) (Message, error) {
	return parse(buf, true)
}

// Response is the client-side view of an answered message.
type Response struct {
	PID             uint64
	Statics         []StaticDescriptor
	CopyHandles     []Handle
	MoveHandles     []Handle
	DataWordsOffset int
	NumDataWords    int
}

// DataEnd is the offset one past the last data word.
func (r Response) DataEnd() int { return r.DataWordsOffset + r.NumDataWords*4 }

// ParseResponse decodes the header, special header and handle lists of a
// response. Buffer descriptors never appear in responses and are not read.
func ParseResponse(buf []byte) (Response, error) {
	m, err := parse(buf, false)
	if err != nil {
		return Response{}, err
	}
	return Response{
		PID:             m.PID,
		Statics:         m.SendStatics,
		CopyHandles:     m.CopyHandles,
		MoveHandles:     m.MoveHandles,
		DataWordsOffset: m.DataWordsOffset,
		NumDataWords:    m.Meta.NumDataWords,
	}, nil
}

func parse(buf []byte, withBuffers bool) (Message, error) {
	if len(buf) < headerSize {
		return Message{}, ErrTruncated
	}
	w0 := binary.LittleEndian.Uint32(buf[0:4])
	w1 := binary.LittleEndian.Uint32(buf[4:8])

	var m Message
	m.PID = NoPID
	m.Meta.Type = uint16(w0)
	m.Meta.NumSendStatics = int(w0>>16) & 0xF
	if withBuffers {
		m.Meta.NumSendBuffers = int(w0>>20) & 0xF
		m.Meta.NumRecvBuffers = int(w0>>24) & 0xF
		m.Meta.NumExchBuffers = int(w0>>28) & 0xF
	}
	m.Meta.NumDataWords = int(w1) & 0x3FF
	switch mode := int(w1>>10) & 0xF; {
	case mode == 2:
		m.Meta.NumRecvStatics = AutoRecvStatic
	case mode > 2:
		m.Meta.NumRecvStatics = mode - 2
	}
	if !withBuffers {
		m.Meta.NumRecvStatics = 0
	}

	off := headerSize
	if w1>>31 != 0 {
		if len(buf) < off+specialHeaderSize {
			return Message{}, ErrTruncated
		}
		sp := binary.LittleEndian.Uint32(buf[off:])
		off += specialHeaderSize
		m.Meta.SendPID = sp&1 != 0
		m.Meta.NumCopyHandles = int(sp>>1) & 0xF
		m.Meta.NumMoveHandles = int(sp>>5) & 0xF
		if m.Meta.SendPID {
			if len(buf) < off+pidSize {
				return Message{}, ErrTruncated
			}
			m.PID = binary.LittleEndian.Uint64(buf[off:])
			off += pidSize
		}
	}

	need := off +
		(m.Meta.NumCopyHandles+m.Meta.NumMoveHandles)*handleSize +
		m.Meta.NumSendStatics*staticDescSize +
		(m.Meta.NumSendBuffers+m.Meta.NumRecvBuffers+m.Meta.NumExchBuffers)*bufferDescSize +
		m.Meta.NumDataWords*4 +
		m.Meta.recvListEntries()*recvListEntrySize
	if need > len(buf) {
		return Message{}, ErrTruncated
	}

	m.CopyHandles, off = readHandles(buf, off, m.Meta.NumCopyHandles)
	m.MoveHandles, off = readHandles(buf, off, m.Meta.NumMoveHandles)
	for i := 0; i < m.Meta.NumSendStatics; i++ {
		m.SendStatics = append(m.SendStatics, getStatic(buf[off:]))
		off += staticDescSize
	}
	m.SendBuffers, off = readBuffers(buf, off, m.Meta.NumSendBuffers)
	m.RecvBuffers, off = readBuffers(buf, off, m.Meta.NumRecvBuffers)
	m.ExchBuffers, off = readBuffers(buf, off, m.Meta.NumExchBuffers)
	m.DataWordsOffset = off
	off += m.Meta.NumDataWords * 4
	for i := 0; i < m.Meta.recvListEntries(); i++ {
		m.RecvList = append(m.RecvList, getRecvListEntry(buf[off:]))
		off += recvListEntrySize
	}
	return m, nil
}

func readHandles(buf []byte, off, n int) ([]Handle, int) {
	if n == 0 {
		return nil, off
	}
	out := make([]Handle, n)
	for i := range out {
		out[i] = Handle(binary.LittleEndian.Uint32(buf[off:]))
		off += handleSize
	}
	return out, off
}

func readBuffers(buf []byte, off, n int) ([]BufferDescriptor, int) {
	if n == 0 {
		return nil, off
	}
	out := make([]BufferDescriptor, n)
	for i := range out {
		out[i] = getBuffer(buf[off:])
		off += bufferDescSize
	}
	return out, off
}

func getStatic(b []byte) StaticDescriptor {
	w0 := binary.LittleEndian.Uint32(b[0:4])
	lo := binary.LittleEndian.Uint32(b[4:8])
	addr := uint64(lo) | uint64(w0>>12&0xF)<<32 | uint64(w0>>6&0x3F)<<36
	return StaticDescriptor{
		Index:   uint8(w0 & 0x3F),
		Address: addr,
		Size:    uint16(w0 >> 16),
	}
}

func getBuffer(b []byte) BufferDescriptor {
	sizeLo := binary.LittleEndian.Uint32(b[0:4])
	addrLo := binary.LittleEndian.Uint32(b[4:8])
	w2 := binary.LittleEndian.Uint32(b[8:12])
	return BufferDescriptor{
		Address: uint64(addrLo) | uint64(w2>>28&0xF)<<32 | uint64(w2>>2&0x3FFFFF)<<36,
		Size:    uint64(sizeLo) | uint64(w2>>24&0xF)<<32,
		Mode:    BufferMode(w2 & 0x3),
	}
}

func getRecvListEntry(b []byte) RecvListEntry {
	lo := binary.LittleEndian.Uint32(b[0:4])
	w1 := binary.LittleEndian.Uint32(b[4:8])
	return RecvListEntry{
		Address: uint64(lo) | uint64(w1&0xFFFF)<<32,
		Size:    uint16(w1 >> 16),
	}
}
