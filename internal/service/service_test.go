package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/danmuck/sfipc/internal/hipc"
	"github.com/danmuck/sfipc/internal/msgbuf"
	"github.com/danmuck/sfipc/internal/testutil/testlog"
	"github.com/danmuck/sfipc/internal/transport"
	"github.com/danmuck/sfipc/internal/transport/loopback"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type harness struct {
	kernel *loopback.Kernel
	pool   *msgbuf.Pool
	client *Client
}

func newHarness(t *testing.T, services map[string]loopback.Object) *harness {
	t.Helper()
	testlog.Start(t)
	k := loopback.New(loopback.WithLogger(testlog.Logger(t)))
	for name, obj := range services {
		k.Register(name, obj)
	}
	pool := msgbuf.NewPool()
	c := NewClient(k, WithBufferPool(pool), WithLogger(testlog.Logger(t)))
	t.Cleanup(func() {
		assert.Zero(t, pool.Outstanding(), "message buffers leaked")
	})
	return &harness{kernel: k, pool: pool, client: c}
}

func (h *harness) open(t *testing.T, name string) Session {
	t.Helper()
	s, err := h.client.CreateSession(context.Background(), name)
	require.NoError(t, err)
	return s
}

func spawner(n int) loopback.Object {
	return loopback.FuncObject(func(_ context.Context, _ *loopback.Call) loopback.Answer {
		objs := make([]loopback.Object, n)
		for i := range objs {
			objs[i] = loopback.EchoObject{}
		}
		return loopback.Answer{Objects: objs}
	})
}

func TestCreateSessionNegotiatesPointerBufferSize(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})
	s := h.open(t, "echo")

	require.True(t, s.OwnsHandle())
	require.False(t, s.IsDomain())
	require.NotEqual(t, hipc.InvalidHandle, s.Handle())
	require.Equal(t, uint16(loopback.DefaultPointerBufferSize), s.PointerBufferSize())

	h.client.CloseSession(context.Background(), &s)
	require.Zero(t, h.kernel.OpenHandles())
}

func TestCreateSessionUnknownServiceIsConnectError(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.client.CreateSession(context.Background(), "nope")
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, transport.ErrUnknownService)
	require.True(t, s.IsClosed())
}

func TestCreateSessionHandshakeFailureReleasesHandle(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})
	h.kernel.FailNext(errors.New("link down"))

	s, err := h.client.CreateSession(context.Background(), "echo")
	require.ErrorIs(t, err, ErrHandshake)
	require.ErrorIs(t, err, ErrTransport)
	require.True(t, s.IsClosed())
	require.Zero(t, h.kernel.OpenHandles())
}

func TestDispatchEchoRoundTrip(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})
	s := h.open(t, "echo")
	defer h.client.CloseSession(context.Background(), &s)

	for _, size := range []int{0, 1, 4, 7, 8, 33, 64, 0x80, 0xC0, 208, 209, 212, 215, 216} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			in := make([]byte, size)
			for i := range in {
				in[i] = byte(i*7 + size)
			}
			out := make([]byte, size)
			reply, err := h.client.Dispatch(context.Background(), s, 42, in, out, DispatchOptions{})
			require.NoError(t, err)
			require.Equal(t, in, out)
			require.Equal(t, hipc.NoPID, reply.PID)
			require.Empty(t, reply.Objects)
			require.Empty(t, reply.Handles)
		})
	}
}

func TestDispatchPayloadTooLargeIsInvalidRequest(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})
	s := h.open(t, "echo")
	defer h.client.CloseSession(context.Background(), &s)

	for _, size := range []int{217, 0x100} {
		_, err := h.client.Dispatch(context.Background(), s, 1, make([]byte, size), nil, DispatchOptions{})
		require.ErrorIs(t, err, ErrInvalidRequest, "size=%d", size)
		require.ErrorIs(t, err, hipc.ErrMessageTooLarge, "size=%d", size)
	}
}

// sessionEventCount reads one series of the session lifecycle counter from
// the default registry.
func sessionEventCount(t *testing.T, service, event, outcome string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	want := map[string]string{"service": service, "event": event, "outcome": outcome}
	for _, mf := range families {
		if mf.GetName() != "sfipc_session_events_total" {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCloseSessionRecordsNotificationOutcome(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"metered": loopback.EchoObject{}})

	s := h.open(t, "metered")
	okBefore := sessionEventCount(t, "metered", "close", "ok")
	h.client.CloseSession(context.Background(), &s)
	require.Equal(t, okBefore+1, sessionEventCount(t, "metered", "close", "ok"))

	s = h.open(t, "metered")
	failedBefore := sessionEventCount(t, "metered", "close", "transport")
	okBefore = sessionEventCount(t, "metered", "close", "ok")
	h.kernel.FailNext(errors.New("link down"))
	h.client.CloseSession(context.Background(), &s)
	require.True(t, s.IsClosed())
	require.Zero(t, h.kernel.OpenHandles(), "handle is released even when the notification fails")
	require.Equal(t, failedBefore+1, sessionEventCount(t, "metered", "close", "transport"))
	require.Equal(t, okBefore, sessionEventCount(t, "metered", "close", "ok"))
	require.Zero(t, sessionEventCount(t, "", "close", "ok"), "close events carry the service label")
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})
	s := h.open(t, "echo")

	h.client.CloseSession(context.Background(), &s)
	require.True(t, s.IsClosed())
	require.Zero(t, h.kernel.OpenHandles())

	h.client.CloseSession(context.Background(), &s)
	require.True(t, s.IsClosed())
	require.Zero(t, h.kernel.OpenHandles())

	h.client.CloseSession(context.Background(), nil)
}

func TestCloseSessionReleasesHandleWhenNotificationFails(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})
	s := h.open(t, "echo")

	h.kernel.FailNext(errors.New("peer gone"))
	h.client.CloseSession(context.Background(), &s)
	require.True(t, s.IsClosed())
	require.Zero(t, h.kernel.OpenHandles())
}

func TestDispatchOnClosedSessionIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.client.Dispatch(context.Background(), Session{}, 1, nil, nil, DispatchOptions{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDomainOutputObjectsAreDistinctChildren(t *testing.T) {
	const n = 3
	h := newHarness(t, map[string]loopback.Object{"spawn": spawner(n)})
	root := h.open(t, "spawn")
	require.NoError(t, h.client.ConvertToDomain(context.Background(), &root))
	require.True(t, root.IsDomain())
	require.True(t, root.OwnsHandle())

	reply, err := h.client.Dispatch(context.Background(), root, 0, nil, nil, DispatchOptions{OutObjectCount: n})
	require.NoError(t, err)
	require.Len(t, reply.Objects, n)

	seen := map[uint32]bool{root.ObjectID(): true}
	for _, child := range reply.Objects {
		require.NotZero(t, child.ObjectID())
		require.False(t, seen[child.ObjectID()], "duplicate object id %d", child.ObjectID())
		seen[child.ObjectID()] = true
		require.False(t, child.OwnsHandle())
		require.Equal(t, root.Handle(), child.Handle())
	}
	require.Equal(t, n+1, h.kernel.DomainObjects(root.Handle()))

	child := reply.Objects[0]
	out := make([]byte, 4)
	_, err = h.client.Dispatch(context.Background(), child, 9, []byte{1, 2, 3, 4}, out, DispatchOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, out)

	for i := range reply.Objects {
		h.client.CloseSession(context.Background(), &reply.Objects[i])
		require.True(t, reply.Objects[i].IsClosed())
	}
	require.Equal(t, 1, h.kernel.DomainObjects(root.Handle()))
	require.Equal(t, 1, h.kernel.OpenHandles())

	h.client.CloseSession(context.Background(), &root)
	require.Zero(t, h.kernel.OpenHandles())
}

func TestNonDomainOutputObjectsOwnDistinctHandles(t *testing.T) {
	const n = 2
	h := newHarness(t, map[string]loopback.Object{"spawn": spawner(n)})
	root := h.open(t, "spawn")

	reply, err := h.client.Dispatch(context.Background(), root, 0, nil, nil, DispatchOptions{OutObjectCount: n})
	require.NoError(t, err)
	require.Len(t, reply.Objects, n)
	require.True(t, reply.Objects[0].OwnsHandle())
	require.True(t, reply.Objects[1].OwnsHandle())
	require.NotEqual(t, reply.Objects[0].Handle(), reply.Objects[1].Handle())
	require.NotEqual(t, root.Handle(), reply.Objects[0].Handle())
	require.Equal(t, root.PointerBufferSize(), reply.Objects[0].PointerBufferSize())
	require.Equal(t, n+1, h.kernel.OpenHandles())

	out := make([]byte, 2)
	_, err = h.client.Dispatch(context.Background(), reply.Objects[1], 5, []byte{0xBE, 0xEF}, out, DispatchOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte{0xBE, 0xEF}, out)

	for i := range reply.Objects {
		h.client.CloseSession(context.Background(), &reply.Objects[i])
	}
	h.client.CloseSession(context.Background(), &root)
	require.Zero(t, h.kernel.OpenHandles())
}

func TestTransportFailureLeavesOutputUntouched(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})
	s := h.open(t, "echo")
	defer h.client.CloseSession(context.Background(), &s)

	out := bytes.Repeat([]byte{0xAA}, 8)
	h.kernel.FailNext(errors.New("send failed"))
	reply, err := h.client.Dispatch(context.Background(), s, 1, []byte{1, 2, 3, 4, 5, 6, 7, 8}, out, DispatchOptions{})
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, bytes.Repeat([]byte{0xAA}, 8), out)
	require.Equal(t, Reply{}, reply)
}

func TestRemoteFailureLeavesOutputsUntouched(t *testing.T) {
	rc := hipc.MakeResult(15, 1)
	var kernel *loopback.Kernel
	failing := loopback.FuncObject(func(_ context.Context, _ *loopback.Call) loopback.Answer {
		return loopback.Answer{
			Result:      rc,
			Data:        []byte{1, 2, 3, 4, 5, 6, 7, 8},
			Objects:     []loopback.Object{loopback.EchoObject{}},
			CopyHandles: []hipc.Handle{kernel.NewHandle()},
		}
	})
	h := newHarness(t, map[string]loopback.Object{"fail": failing})
	kernel = h.kernel
	s := h.open(t, "fail")
	defer h.client.CloseSession(context.Background(), &s)

	out := bytes.Repeat([]byte{0x55}, 8)
	reply, err := h.client.Dispatch(context.Background(), s, 7, nil, out, DispatchOptions{
		OutObjectCount: 1,
		OutHandleAttrs: [MaxBuffers]OutHandleAttr{OutHandleCopy},
	})
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, rc, remote.Result)
	got, ok := ResultOf(err)
	require.True(t, ok)
	require.Equal(t, rc, got)
	require.Equal(t, "2015-0001", got.String())

	require.Equal(t, bytes.Repeat([]byte{0x55}, 8), out)
	require.Empty(t, reply.Objects)
	require.Empty(t, reply.Handles)
}

func TestOutHandlesFollowSlotOrder(t *testing.T) {
	var kernel *loopback.Kernel
	var copyH, moveH atomic.Uint32
	giver := loopback.FuncObject(func(_ context.Context, _ *loopback.Call) loopback.Answer {
		c, m := kernel.NewHandle(), kernel.NewHandle()
		copyH.Store(uint32(c))
		moveH.Store(uint32(m))
		return loopback.Answer{CopyHandles: []hipc.Handle{c}, MoveHandles: []hipc.Handle{m}}
	})
	h := newHarness(t, map[string]loopback.Object{"giver": giver})
	kernel = h.kernel
	s := h.open(t, "giver")
	defer h.client.CloseSession(context.Background(), &s)

	reply, err := h.client.Dispatch(context.Background(), s, 2, nil, nil, DispatchOptions{
		OutHandleAttrs: [MaxBuffers]OutHandleAttr{OutHandleCopy, OutHandleNone, OutHandleMove},
	})
	require.NoError(t, err)
	require.Equal(t, []hipc.Handle{hipc.Handle(copyH.Load()), hipc.Handle(moveH.Load())}, reply.Handles)
}

func TestMissingMoveHandleIsMalformedResponse(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})
	s := h.open(t, "echo")
	defer h.client.CloseSession(context.Background(), &s)

	out := bytes.Repeat([]byte{0x11}, 4)
	_, err := h.client.Dispatch(context.Background(), s, 3, []byte{9, 9, 9, 9}, out, DispatchOptions{
		OutHandleAttrs: [MaxBuffers]OutHandleAttr{OutHandleMove},
	})
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.Equal(t, bytes.Repeat([]byte{0x11}, 4), out)
}

func TestMissingOutputObjectReleasesReceivedHandles(t *testing.T) {
	for _, domain := range []bool{false, true} {
		t.Run(fmt.Sprintf("domain=%t", domain), func(t *testing.T) {
			var kernel *loopback.Kernel
			stingy := loopback.FuncObject(func(_ context.Context, _ *loopback.Call) loopback.Answer {
				return loopback.Answer{
					Objects:     []loopback.Object{loopback.EchoObject{}},
					CopyHandles: []hipc.Handle{kernel.NewHandle()},
				}
			})
			h := newHarness(t, map[string]loopback.Object{"stingy": stingy})
			kernel = h.kernel
			s := h.open(t, "stingy")
			defer h.client.CloseSession(context.Background(), &s)
			if domain {
				require.NoError(t, h.client.ConvertToDomain(context.Background(), &s))
			}

			_, err := h.client.Dispatch(context.Background(), s, 1, nil, nil, DispatchOptions{OutObjectCount: 2})
			require.ErrorIs(t, err, ErrMalformedResponse)
			require.Equal(t, 1, kernel.OpenHandles(), "received handles must be released")
			if domain {
				require.Equal(t, 1, kernel.DomainObjects(s.Handle()), "received domain object must be closed")
			}
		})
	}
}

func TestMissingOutputHandleReleasesReceivedObjects(t *testing.T) {
	var kernel *loopback.Kernel
	giver := loopback.FuncObject(func(_ context.Context, _ *loopback.Call) loopback.Answer {
		return loopback.Answer{
			Objects:     []loopback.Object{loopback.EchoObject{}},
			CopyHandles: []hipc.Handle{kernel.NewHandle()},
		}
	})
	h := newHarness(t, map[string]loopback.Object{"giver": giver})
	kernel = h.kernel
	s := h.open(t, "giver")
	defer h.client.CloseSession(context.Background(), &s)
	require.NoError(t, h.client.ConvertToDomain(context.Background(), &s))

	opts := DispatchOptions{OutObjectCount: 1}
	opts.OutHandleAttrs[0] = OutHandleCopy
	opts.OutHandleAttrs[1] = OutHandleMove
	_, err := h.client.Dispatch(context.Background(), s, 1, nil, nil, opts)
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.Equal(t, 1, kernel.OpenHandles())
	require.Equal(t, 1, kernel.DomainObjects(s.Handle()))
}

func TestProgramIDToProcessIDScenario(t *testing.T) {
	const programID = uint64(0x01006a800016e000)
	pmInfo := loopback.FuncObject(func(_ context.Context, call *loopback.Call) loopback.Answer {
		if call.CommandID != 65000 || len(call.Data) < 8 {
			return loopback.Fail(loopback.ResultUnknownCommand)
		}
		if binary.LittleEndian.Uint64(call.Data) != programID {
			return loopback.Fail(hipc.MakeResult(15, 1))
		}
		return loopback.Answer{Data: binary.LittleEndian.AppendUint64(nil, 0x1234)}
	})
	h := newHarness(t, map[string]loopback.Object{"pm:info": pmInfo})
	s := h.open(t, "pm:info")
	defer h.client.CloseSession(context.Background(), &s)

	in := binary.LittleEndian.AppendUint64(nil, programID)
	out := make([]byte, 8)
	_, err := h.client.Dispatch(context.Background(), s, 65000, in, out, DispatchOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(0x1234), binary.LittleEndian.Uint64(out))

	pid, _, err := DispatchInOut[uint64, uint64](context.Background(), h.client, s, 65000, programID, DispatchOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(0x1234), pid)

	_, _, err = DispatchInOut[uint64, uint64](context.Background(), h.client, s, 65000, 1, DispatchOptions{})
	rc, ok := ResultOf(err)
	require.True(t, ok)
	require.Equal(t, hipc.MakeResult(15, 1), rc)
}

func TestDispatchHelpers(t *testing.T) {
	type status struct {
		Loc    uint64
		Status uint8
		_      [7]byte
	}
	var got atomic.Value
	obj := loopback.FuncObject(func(_ context.Context, call *loopback.Call) loopback.Answer {
		got.Store(append([]byte(nil), call.Data...))
		out := binary.LittleEndian.AppendUint64(nil, 0xDEAD0000)
		out = append(out, 3, 0, 0, 0, 0, 0, 0, 0)
		return loopback.Answer{Data: out}
	})
	h := newHarness(t, map[string]loopback.Object{"dmnt": obj})
	s := h.open(t, "dmnt")
	defer h.client.CloseSession(context.Background(), &s)

	_, err := DispatchIn(context.Background(), h.client, s, 1, uint32(0xCAFE), DispatchOptions{})
	require.NoError(t, err)
	require.Equal(t, uint32(0xCAFE), binary.LittleEndian.Uint32(got.Load().([]byte)))

	st, _, err := DispatchOut[status](context.Background(), h.client, s, 2, DispatchOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(0xDEAD0000), st.Loc)
	require.Equal(t, uint8(3), st.Status)
}

func TestContextAndProcessIDReachServer(t *testing.T) {
	var seen atomic.Pointer[loopback.Call]
	obj := loopback.FuncObject(func(_ context.Context, call *loopback.Call) loopback.Answer {
		seen.Store(call)
		return loopback.Answer{}
	})
	h := newHarness(t, map[string]loopback.Object{"ctx": obj})
	s := h.open(t, "ctx")
	defer h.client.CloseSession(context.Background(), &s)

	_, err := h.client.Dispatch(context.Background(), s, 11, nil, nil, DispatchOptions{Context: 0x77, SendPID: true})
	require.NoError(t, err)
	call := seen.Load()
	require.NotNil(t, call)
	require.Equal(t, uint32(11), call.CommandID)
	require.Equal(t, uint32(0x77), call.Context)
	require.Equal(t, uint64(loopback.DefaultProcessID), call.PID)

	require.NoError(t, h.client.ConvertToDomain(context.Background(), &s))
	_, err = h.client.Dispatch(context.Background(), s, 12, nil, nil, DispatchOptions{Context: 0x78})
	require.NoError(t, err)
	call = seen.Load()
	require.Equal(t, uint32(12), call.CommandID)
	require.Equal(t, uint32(0x78), call.Context)
	require.Equal(t, s.ObjectID(), call.ObjectID)
	require.Equal(t, hipc.NoPID, call.PID)
}

func TestInputHandlesKeepCallerOrder(t *testing.T) {
	var seen atomic.Pointer[loopback.Call]
	obj := loopback.FuncObject(func(_ context.Context, call *loopback.Call) loopback.Answer {
		seen.Store(call)
		return loopback.Answer{}
	})
	h := newHarness(t, map[string]loopback.Object{"sink": obj})
	s := h.open(t, "sink")
	defer h.client.CloseSession(context.Background(), &s)

	_, err := h.client.Dispatch(context.Background(), s, 1, nil, nil, DispatchOptions{
		InHandles: []InHandle{{Handle: 0x501}, {Handle: 0x502, Move: true}, {Handle: 0x503}},
	})
	require.NoError(t, err)
	call := seen.Load()
	require.Equal(t, []hipc.Handle{0x501, 0x503}, call.CopyHandles)
	require.Equal(t, []hipc.Handle{0x502}, call.MoveHandles)
}

func TestInputObjectsRequireDomainSessions(t *testing.T) {
	var calls atomic.Int32
	obj := loopback.FuncObject(func(_ context.Context, call *loopback.Call) loopback.Answer {
		calls.Add(1)
		if call.CommandID == 0 {
			return loopback.Answer{Objects: []loopback.Object{loopback.EchoObject{}}}
		}
		return loopback.Answer{Data: binary.LittleEndian.AppendUint32(nil, uint32(len(call.Objects)))}
	})
	h := newHarness(t, map[string]loopback.Object{"objs": obj})
	root := h.open(t, "objs")
	other := h.open(t, "objs")
	defer h.client.CloseSession(context.Background(), &other)

	_, err := h.client.Dispatch(context.Background(), root, 1, nil, nil, DispatchOptions{InObjects: []Session{other}})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Zero(t, calls.Load())

	require.NoError(t, h.client.ConvertToDomain(context.Background(), &root))
	_, err = h.client.Dispatch(context.Background(), root, 1, nil, nil, DispatchOptions{InObjects: []Session{other}})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Zero(t, calls.Load())

	reply, err := h.client.Dispatch(context.Background(), root, 0, nil, nil, DispatchOptions{OutObjectCount: 1})
	require.NoError(t, err)
	child := reply.Objects[0]

	n, _, err := DispatchOut[uint32](context.Background(), h.client, root, 1, DispatchOptions{InObjects: []Session{child}})
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)

	h.client.CloseSession(context.Background(), &child)
	h.client.CloseSession(context.Background(), &root)
}

func TestBufferSlotsEncodedInSlotOrder(t *testing.T) {
	var seen atomic.Pointer[loopback.Call]
	obj := loopback.FuncObject(func(_ context.Context, call *loopback.Call) loopback.Answer {
		seen.Store(call)
		return loopback.Answer{}
	})
	h := newHarness(t, map[string]loopback.Object{"buf": obj})
	s := h.open(t, "buf")
	defer h.client.CloseSession(context.Background(), &s)

	opts := DispatchOptions{Buffers: [MaxBuffers]Buffer{
		{Attr: BufferIn | BufferMapAlias, Address: 0x1000, Size: 0x40},
		{Attr: BufferOut | BufferPointer, Address: 0x2000, Size: 0x20},
		{Attr: BufferIn | BufferPointer, Address: 0x3000, Size: 0x10},
		{Attr: BufferIn | BufferAutoSelect, Address: 0x4000, Size: 0x100},
		{Attr: BufferIn | BufferOut | BufferMapAlias | BufferMapTransferAllowsNonSecure, Address: 0x5000, Size: 0x80},
		{Attr: BufferOut | BufferMapAlias | BufferMapTransferAllowsNonDevice, Address: 0x6000, Size: 0x1000},
		{Attr: BufferOut | BufferAutoSelect, Address: 0x7000, Size: 0x2000},
	}}
	_, err := h.client.Dispatch(context.Background(), s, 1, nil, nil, opts)
	require.NoError(t, err)

	msg := seen.Load().Message
	require.Equal(t, []hipc.StaticDescriptor{
		{Index: 0, Address: 0x3000, Size: 0x10},
		{Index: 1, Address: 0x4000, Size: 0x100},
	}, msg.SendStatics)
	require.Equal(t, []hipc.BufferDescriptor{
		{Address: 0x1000, Size: 0x40, Mode: hipc.BufferModeNormal},
		{Address: 0, Size: 0, Mode: hipc.BufferModeNormal},
	}, msg.SendBuffers)
	require.Equal(t, []hipc.BufferDescriptor{
		{Address: 0x6000, Size: 0x1000, Mode: hipc.BufferModeNonDevice},
		{Address: 0x7000, Size: 0x2000, Mode: hipc.BufferModeNormal},
	}, msg.RecvBuffers)
	require.Equal(t, []hipc.BufferDescriptor{
		{Address: 0x5000, Size: 0x80, Mode: hipc.BufferModeNonSecure},
	}, msg.ExchBuffers)
	require.Equal(t, []hipc.RecvListEntry{
		{Address: 0x2000, Size: 0x20},
		{Address: 0, Size: 0},
	}, msg.RecvList)
}

func TestCloneReturnsOwnedSession(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})
	s := h.open(t, "echo")

	clone, err := h.client.Clone(context.Background(), s)
	require.NoError(t, err)
	require.True(t, clone.OwnsHandle())
	require.NotEqual(t, s.Handle(), clone.Handle())
	require.Equal(t, 2, h.kernel.OpenHandles())

	out := make([]byte, 3)
	_, err = h.client.Dispatch(context.Background(), clone, 1, []byte("abc"), out, DispatchOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), out)

	h.client.CloseSession(context.Background(), &clone)
	h.client.CloseSession(context.Background(), &s)
	require.Zero(t, h.kernel.OpenHandles())
}

func TestConvertToDomainTwiceIsNoop(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})
	s := h.open(t, "echo")
	defer h.client.CloseSession(context.Background(), &s)

	require.NoError(t, h.client.ConvertToDomain(context.Background(), &s))
	id := s.ObjectID()
	require.NotZero(t, id)
	require.True(t, h.kernel.IsDomain(s.Handle()))

	require.NoError(t, h.client.ConvertToDomain(context.Background(), &s))
	require.Equal(t, id, s.ObjectID())
}

func TestTargetHandleOverride(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{
		"a": loopback.FuncObject(func(context.Context, *loopback.Call) loopback.Answer {
			return loopback.Answer{Data: []byte{'a'}}
		}),
		"b": loopback.FuncObject(func(context.Context, *loopback.Call) loopback.Answer {
			return loopback.Answer{Data: []byte{'b'}}
		}),
	})
	a := h.open(t, "a")
	b := h.open(t, "b")
	defer h.client.CloseSession(context.Background(), &a)
	defer h.client.CloseSession(context.Background(), &b)

	out := make([]byte, 1)
	_, err := h.client.Dispatch(context.Background(), a, 1, nil, out, DispatchOptions{TargetHandle: b.Handle()})
	require.NoError(t, err)
	require.Equal(t, []byte{'b'}, out)
}

func TestConcurrentDispatchOnDistinctSessions(t *testing.T) {
	h := newHarness(t, map[string]loopback.Object{"echo": loopback.EchoObject{}})

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			ctx := context.Background()
			s, err := h.client.CreateSession(ctx, "echo")
			if err != nil {
				return err
			}
			defer h.client.CloseSession(ctx, &s)
			for i := 0; i < 50; i++ {
				in := binary.LittleEndian.AppendUint64(nil, uint64(w)<<32|uint64(i))
				out := make([]byte, 8)
				if _, err := h.client.Dispatch(ctx, s, uint32(i), in, out, DispatchOptions{}); err != nil {
					return err
				}
				if !bytes.Equal(in, out) {
					return fmt.Errorf("worker %d call %d: got %x want %x", w, i, out, in)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Zero(t, h.pool.Outstanding())
	require.Zero(t, h.kernel.OpenHandles())
}

func TestExtractHandlesRejectsUnknownAttr(t *testing.T) {
	_, err := extractHandles(nil, [MaxBuffers]OutHandleAttr{OutHandleAttr(9)})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOutcomeBuckets(t *testing.T) {
	require.Equal(t, "ok", outcome(nil))
	require.Equal(t, "remote", outcome(fmt.Errorf("wrap: %w", &RemoteError{Result: 1})))
	require.Equal(t, "transport", outcome(fmt.Errorf("%w: x", ErrTransport)))
	require.Equal(t, "malformed", outcome(ErrMalformedResponse))
	require.Equal(t, "invalid", outcome(ErrInvalidRequest))
	require.Equal(t, "error", outcome(errors.New("other")))
}
