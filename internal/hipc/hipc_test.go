package hipc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/danmuck/sfipc/internal/testutil/testlog"
)

func TestMakeRequestHeaderBits(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, MessageBufferSize)
	req, err := MakeRequest(buf, Metadata{
		Type:           4,
		NumDataWords:   8,
		SendPID:        true,
		NumCopyHandles: 1,
	})
	if err != nil {
		t.Fatalf("make request: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != 4 {
		t.Fatalf("word0 got=%#x", got)
	}
	if got := binary.LittleEndian.Uint32(buf[4:8]); got != 0x80000008 {
		t.Fatalf("word1 got=%#x", got)
	}
	if got := binary.LittleEndian.Uint32(buf[8:12]); got != 0x3 {
		t.Fatalf("special header got=%#x", got)
	}
	if err := req.AddCopyHandle(0xABCD); err != nil {
		t.Fatalf("add copy handle: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf[20:24]); got != 0xABCD {
		t.Fatalf("copy handle slot got=%#x", got)
	}
	if req.DataWordsOffset() != 24 {
		t.Fatalf("data words offset got=%d", req.DataWordsOffset())
	}
	if req.Size() != 24+32 {
		t.Fatalf("size got=%d", req.Size())
	}
	if !req.SetPID(0x55) {
		t.Fatalf("expected pid slot")
	}
	if err := req.AddCopyHandle(1); !errors.Is(err, ErrDescriptorOverflow) {
		t.Fatalf("expected ErrDescriptorOverflow, got %v", err)
	}
}

func TestRecvStaticMode(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, MessageBufferSize)
	for _, tc := range []struct {
		n    int
		mode uint32
	}{{0, 0}, {AutoRecvStatic, 2}, {1, 3}, {4, 6}} {
		if _, err := MakeRequest(buf, Metadata{NumDataWords: 2, NumRecvStatics: tc.n}); err != nil {
			t.Fatalf("make request n=%d: %v", tc.n, err)
		}
		if got := binary.LittleEndian.Uint32(buf[4:8]) >> 10 & 0xF; got != tc.mode {
			t.Fatalf("n=%d recv_static_mode got=%d want=%d", tc.n, got, tc.mode)
		}
	}
}

func TestStaticDescriptorEncoding(t *testing.T) {
	testlog.Start(t)
	b := make([]byte, staticDescSize)
	d := StaticDescriptor{Index: 2, Address: 0xABCDEF0123, Size: 0x40}
	putStatic(b, d)
	if got := binary.LittleEndian.Uint32(b[0:4]); got != 0x0040B282 {
		t.Fatalf("word0 got=%#x", got)
	}
	if got := binary.LittleEndian.Uint32(b[4:8]); got != 0xCDEF0123 {
		t.Fatalf("address low got=%#x", got)
	}
	if back := getStatic(b); back != d {
		t.Fatalf("decode mismatch: got=%+v want=%+v", back, d)
	}
}

func TestBufferDescriptorEncoding(t *testing.T) {
	testlog.Start(t)
	b := make([]byte, bufferDescSize)
	d := BufferDescriptor{Address: 0xABCDEF0123, Size: 0x100000010, Mode: BufferModeNonDevice}
	putBuffer(b, d)
	if got := binary.LittleEndian.Uint32(b[0:4]); got != 0x10 {
		t.Fatalf("size low got=%#x", got)
	}
	if got := binary.LittleEndian.Uint32(b[8:12]); got != 0xB100002B {
		t.Fatalf("word2 got=%#x", got)
	}
	if back := getBuffer(b); back != d {
		t.Fatalf("decode mismatch: got=%+v want=%+v", back, d)
	}
}

func TestRecvListEntryEncoding(t *testing.T) {
	testlog.Start(t)
	b := make([]byte, recvListEntrySize)
	e := RecvListEntry{Address: 0x1234_89AB_CDEF, Size: 0x80}
	putRecvListEntry(b, e)
	if got := binary.LittleEndian.Uint32(b[4:8]); got != 0x00801234 {
		t.Fatalf("word1 got=%#x", got)
	}
	if back := getRecvListEntry(b); back != e {
		t.Fatalf("decode mismatch: got=%+v want=%+v", back, e)
	}
}

func TestParseRequestMirrorsMakeRequest(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, MessageBufferSize)
	meta := Metadata{
		Type:           6,
		NumSendStatics: 1,
		NumSendBuffers: 1,
		NumRecvBuffers: 1,
		NumExchBuffers: 1,
		NumDataWords:   10,
		NumRecvStatics: 1,
		SendPID:        true,
		NumCopyHandles: 2,
		NumMoveHandles: 1,
	}
	req, err := MakeRequest(buf, meta)
	if err != nil {
		t.Fatalf("make request: %v", err)
	}
	req.SetPID(77)
	_ = req.AddCopyHandle(10)
	_ = req.AddCopyHandle(11)
	_ = req.AddMoveHandle(12)
	_ = req.AddSendStatic(StaticDescriptor{Index: 0, Address: 0x1000, Size: 8})
	_ = req.AddSendBuffer(BufferDescriptor{Address: 0x2000, Size: 16})
	_ = req.AddRecvBuffer(BufferDescriptor{Address: 0x3000, Size: 32, Mode: BufferModeNonSecure})
	_ = req.AddExchBuffer(BufferDescriptor{Address: 0x4000, Size: 64})
	_ = req.AddRecvStatic(RecvListEntry{Address: 0x5000, Size: 128})

	m, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	if m.Meta != meta {
		t.Fatalf("meta mismatch: got=%+v want=%+v", m.Meta, meta)
	}
	if m.PID != 77 {
		t.Fatalf("pid got=%d", m.PID)
	}
	if len(m.CopyHandles) != 2 || m.CopyHandles[0] != 10 || m.CopyHandles[1] != 11 {
		t.Fatalf("copy handles got=%v", m.CopyHandles)
	}
	if len(m.MoveHandles) != 1 || m.MoveHandles[0] != 12 {
		t.Fatalf("move handles got=%v", m.MoveHandles)
	}
	if m.RecvBuffers[0].Mode != BufferModeNonSecure || m.ExchBuffers[0].Size != 64 {
		t.Fatalf("buffers got recv=%+v exch=%+v", m.RecvBuffers, m.ExchBuffers)
	}
	if m.DataWordsOffset != req.DataWordsOffset() {
		t.Fatalf("data offset got=%d want=%d", m.DataWordsOffset, req.DataWordsOffset())
	}
	if len(m.RecvList) != 1 || m.RecvList[0].Size != 128 {
		t.Fatalf("recv list got=%+v", m.RecvList)
	}
}

func TestMakeRequestTooLarge(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, MessageBufferSize)
	_, err := MakeRequest(buf, Metadata{NumDataWords: 0x3FF})
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	_, err = MakeRequest(buf, Metadata{NumCopyHandles: 16})
	if !errors.Is(err, ErrFieldOverflow) {
		t.Fatalf("expected ErrFieldOverflow, got %v", err)
	}
}

func TestParseResponseTruncated(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[4:8], 0x3FF)
	if _, err := ParseResponse(buf); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, err := ParseResponse(buf[:3]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestResultFields(t *testing.T) {
	rc := MakeResult(15, 1)
	if rc != 0x20F {
		t.Fatalf("result got=%#x", uint32(rc))
	}
	if rc.Module() != 15 || rc.Description() != 1 || !rc.Failed() {
		t.Fatalf("unexpected fields for %v", rc)
	}
	if rc.String() != "2015-0001" {
		t.Fatalf("string got=%q", rc.String())
	}
}
