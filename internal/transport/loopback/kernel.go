// Package loopback is an in-process stand-in for the kernel IPC verbs.
//
// Ownership boundary:
// - named service registry and handle table
// - decoding requests the way a server would and answering control,
//   close and domain-close messages itself
// - routing ordinary commands to registered Objects and encoding their
//   Answers, including new sub-objects and handles
//
// It is a test and demo transport, not a service framework: objects get the
// decoded call and nothing else.
package loopback

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/danmuck/sfipc/internal/cmif"
	"github.com/danmuck/sfipc/internal/hipc"
	"github.com/danmuck/sfipc/internal/observability"
	"github.com/danmuck/sfipc/internal/transport"
	"github.com/rs/zerolog"
)

// DefaultPointerBufferSize is answered to QueryPointerBufferSize unless
// overridden.
const DefaultPointerBufferSize = 0x500

// DefaultProcessID is written into requests that ask for the sender's pid.
const DefaultProcessID = 0x1234

var (
	// ResultUnknownCommand answers command ids the kernel does not handle.
	ResultUnknownCommand = hipc.MakeResult(10, 221)
	// ResultTargetNotFound answers domain requests for missing objects.
	ResultTargetNotFound = hipc.MakeResult(10, 261)
	// ResultAlreadyDomain answers a second domain conversion.
	ResultAlreadyDomain = hipc.MakeResult(10, 202)
)

// Kernel implements transport.Transport in process.
type Kernel struct {
	mu       sync.Mutex
	services map[string]Object
	handles  map[hipc.Handle]*port
	next     hipc.Handle
	failNext []error

	pointerBufferSize uint16
	processID         uint64
	logger            zerolog.Logger
}

// port is one handle's view of a session. Clones share the session but
// close independently.
type port struct {
	session *session
	event   bool
	closed  bool
}

type session struct {
	service string
	object  Object
	domain  *domainTable
}

type domainTable struct {
	objects map[uint32]Object
	nextID  uint32
}

func (d *domainTable) add(obj Object) uint32 {
	id := d.nextID
	d.nextID++
	d.objects[id] = obj
	return id
}

var _ transport.Transport = (*Kernel)(nil)

type Option func(*Kernel)

func WithPointerBufferSize(size uint16) Option {
	return func(k *Kernel) { k.pointerBufferSize = size }
}

func WithProcessID(pid uint64) Option {
	return func(k *Kernel) { k.processID = pid }
}

func WithLogger(l zerolog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

func New(opts ...Option) *Kernel {
	k := &Kernel{
		services:          make(map[string]Object),
		handles:           make(map[hipc.Handle]*port),
		next:              0x10,
		pointerBufferSize: DefaultPointerBufferSize,
		processID:         DefaultProcessID,
		logger:            observability.Component("loopback"),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Register makes obj reachable under name. Registering a name twice
// replaces the earlier object for future connects.
func (k *Kernel) Register(name string, obj Object) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.services[name] = obj
}

// FailNext makes the next SendSyncRequest return err without answering.
// Calls queue up in order.
func (k *Kernel) FailNext(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failNext = append(k.failNext, err)
}

// NewHandle allocates a plain kernel handle, for objects that hand out
// events or other non-session handles.
func (k *Kernel) NewHandle() hipc.Handle {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.allocLocked(&port{event: true})
}

// OpenHandles is the number of live handles.
func (k *Kernel) OpenHandles() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.handles)
}

// IsDomain reports whether h refers to a session converted to a domain.
func (k *Kernel) IsDomain(h hipc.Handle) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.handles[h]
	return ok && p.session != nil && p.session.domain != nil
}

// DomainObjects is the number of live objects in h's domain.
func (k *Kernel) DomainObjects(h hipc.Handle) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.handles[h]
	if !ok || p.session == nil || p.session.domain == nil {
		return 0
	}
	return len(p.session.domain.objects)
}

func (k *Kernel) Connect(_ context.Context, name string) (hipc.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	obj, ok := k.services[name]
	if !ok {
		return hipc.InvalidHandle, fmt.Errorf("%w: %q", transport.ErrUnknownService, name)
	}
	h := k.allocLocked(&port{session: &session{service: name, object: obj}})
	k.logger.Debug().Str("service", name).Uint32("handle", uint32(h)).Msg("connect")
	return h, nil
}

func (k *Kernel) CloseHandle(h hipc.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.handles[h]
	if !ok {
		return fmt.Errorf("%w: %#x", transport.ErrInvalidHandle, uint32(h))
	}
	delete(k.handles, h)
	if p.event {
		k.logger.Debug().Uint32("handle", uint32(h)).Msg("event handle released")
	}
	return nil
}

func (k *Kernel) allocLocked(p *port) hipc.Handle {
	h := k.next
	k.next++
	k.handles[h] = p
	return h
}

// SendSyncRequest decodes msg, answers it and writes the answer back into
// msg.
func (k *Kernel) SendSyncRequest(ctx context.Context, h hipc.Handle, msg []byte) error {
	k.mu.Lock()
	if len(k.failNext) > 0 {
		err := k.failNext[0]
		k.failNext = k.failNext[1:]
		k.mu.Unlock()
		return err
	}
	p, ok := k.handles[h]
	if !ok || p.session == nil {
		k.mu.Unlock()
		return fmt.Errorf("%w: %#x", transport.ErrInvalidHandle, uint32(h))
	}
	sess := p.session
	if p.closed {
		k.mu.Unlock()
		return fmt.Errorf("%w: session %#x", transport.ErrClosed, uint32(h))
	}
	isDomain := sess.domain != nil
	k.mu.Unlock()

	in, err := cmif.ParseIncoming(msg, isDomain)
	if err != nil {
		return fmt.Errorf("loopback: decode request: %w", err)
	}

	switch in.Type {
	case cmif.CommandTypeClose:
		k.mu.Lock()
		p.closed = true
		k.mu.Unlock()
		return nil
	case cmif.CommandTypeControl, cmif.CommandTypeControlWithContext:
		return k.control(h, sess, in, msg)
	case cmif.CommandTypeRequest, cmif.CommandTypeRequestWithContext:
		return k.request(ctx, sess, in, msg)
	default:
		return writeAnswer(msg, isDomain, Answer{Result: ResultUnknownCommand}, nil)
	}
}

func (k *Kernel) control(h hipc.Handle, sess *session, in cmif.Incoming, msg []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch in.CommandID {
	case cmif.ControlConvertCurrentObjectToDomain:
		if sess.domain != nil {
			return writeAnswer(msg, false, Answer{Result: ResultAlreadyDomain}, nil)
		}
		sess.domain = &domainTable{objects: make(map[uint32]Object), nextID: 1}
		id := sess.domain.add(sess.object)
		k.logger.Debug().Uint32("handle", uint32(h)).Uint32("object_id", id).Msg("converted to domain")
		return writeAnswer(msg, false, Answer{Data: binary.LittleEndian.AppendUint32(nil, id)}, nil)
	case cmif.ControlCloneCurrentObject, cmif.ControlCloneCurrentObjectEx:
		clone := k.allocLocked(&port{session: sess})
		return writeAnswer(msg, false, Answer{MoveHandles: []hipc.Handle{clone}}, nil)
	case cmif.ControlQueryPointerBufferSize:
		return writeAnswer(msg, false, Answer{Data: binary.LittleEndian.AppendUint16(nil, k.pointerBufferSize)}, nil)
	default:
		return writeAnswer(msg, false, Answer{Result: ResultUnknownCommand}, nil)
	}
}

func (k *Kernel) request(ctx context.Context, sess *session, in cmif.Incoming, msg []byte) error {
	k.mu.Lock()
	isDomain := sess.domain != nil
	obj := sess.object
	objectID := uint32(0)
	if isDomain {
		objectID = in.Domain.ObjectID
		if in.IsDomainClose() {
			delete(sess.domain.objects, objectID)
			k.mu.Unlock()
			return writeAnswer(msg, true, Answer{}, nil)
		}
		var ok bool
		obj, ok = sess.domain.objects[objectID]
		if !ok {
			k.mu.Unlock()
			return writeAnswer(msg, true, Answer{Result: ResultTargetNotFound}, nil)
		}
	}
	pid := hipc.NoPID
	if in.Message.Meta.SendPID {
		pid = k.processID
	}
	k.mu.Unlock()

	call := &Call{
		Service:     sess.service,
		ObjectID:    objectID,
		CommandID:   in.CommandID,
		Context:     in.Token,
		PID:         pid,
		Data:        append([]byte(nil), in.Data...),
		Objects:     in.Objects,
		CopyHandles: in.Message.CopyHandles,
		MoveHandles: in.Message.MoveHandles,
		Message:     in.Message,
	}
	ans := obj.Invoke(ctx, call)
	if ans.Result.Failed() {
		return writeAnswer(msg, isDomain, Answer{Result: ans.Result}, nil)
	}

	k.mu.Lock()
	refs := make([]uint32, 0, len(ans.Objects))
	for _, child := range ans.Objects {
		if isDomain {
			refs = append(refs, sess.domain.add(child))
			continue
		}
		h := k.allocLocked(&port{session: &session{service: sess.service, object: child}})
		refs = append(refs, uint32(h))
	}
	k.mu.Unlock()
	return writeAnswer(msg, isDomain, ans, refs)
}

// writeAnswer encodes ans into msg. objects are domain ids on a domain
// session and session handles otherwise; handles lead the move list.
func writeAnswer(msg []byte, isDomain bool, ans Answer, objects []uint32) error {
	clear(msg)
	f := cmif.ResponseFormat{
		IsDomain:       isDomain,
		Result:         ans.Result,
		DataSize:       len(ans.Data),
		NumCopyHandles: len(ans.CopyHandles),
		NumMoveHandles: len(ans.MoveHandles),
	}
	if isDomain {
		f.NumObjects = len(objects)
	} else {
		f.NumMoveHandles += len(objects)
	}
	out, err := cmif.MakeResponse(msg, f)
	if err != nil {
		return fmt.Errorf("loopback: encode answer: %w", err)
	}
	copy(out.Data(), ans.Data)
	for _, ref := range objects {
		if isDomain {
			err = out.Object(ref)
		} else {
			err = out.MoveHandle(hipc.Handle(ref))
		}
		if err != nil {
			return fmt.Errorf("loopback: encode answer: %w", err)
		}
	}
	for _, h := range ans.CopyHandles {
		if err := out.CopyHandle(h); err != nil {
			return fmt.Errorf("loopback: encode answer: %w", err)
		}
	}
	for _, h := range ans.MoveHandles {
		if err := out.MoveHandle(h); err != nil {
			return fmt.Errorf("loopback: encode answer: %w", err)
		}
	}
	return nil
}
