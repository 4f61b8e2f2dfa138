package service

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/sfipc/internal/cmif"
	"github.com/danmuck/sfipc/internal/hipc"
	"github.com/danmuck/sfipc/internal/msgbuf"
	"github.com/danmuck/sfipc/internal/observability"
	"github.com/danmuck/sfipc/internal/transport"
	"github.com/rs/zerolog"
)

// Session addresses a remote object: either a root that owns its transport
// handle, or a domain child identified by objectID over a handle owned by
// another Session. The zero value is a closed session.
type Session struct {
	handle            hipc.Handle
	ownsHandle        bool
	objectID          uint32
	pointerBufferSize uint16
	// service labels metrics; empty for sessions built by NewRootSession.
	service string
}

// NewRootSession wraps a handle the caller already owns.
func NewRootSession(h hipc.Handle, pointerBufferSize uint16) Session {
	return Session{handle: h, ownsHandle: true, pointerBufferSize: pointerBufferSize}
}

func newDomainChild(parent Session, objectID uint32) Session {
	return Session{
		handle:            parent.handle,
		objectID:          objectID,
		pointerBufferSize: parent.pointerBufferSize,
		service:           parent.service,
	}
}

func newOwnedChild(parent Session, h hipc.Handle) Session {
	return Session{
		handle:            h,
		ownsHandle:        true,
		pointerBufferSize: parent.pointerBufferSize,
		service:           parent.service,
	}
}

func (s Session) Handle() hipc.Handle       { return s.handle }
func (s Session) OwnsHandle() bool          { return s.ownsHandle }
func (s Session) ObjectID() uint32          { return s.objectID }
func (s Session) PointerBufferSize() uint16 { return s.pointerBufferSize }

// IsDomain reports whether requests on s carry a domain header.
func (s Session) IsDomain() bool { return s.objectID != 0 }

// IsClosed reports whether s is the cleared value.
func (s Session) IsClosed() bool { return s == Session{} }

func (s Session) String() string {
	return fmt.Sprintf("session(handle=%#x own=%t object=%d)", uint32(s.handle), s.ownsHandle, s.objectID)
}

// Client runs sessions over one Transport.
type Client struct {
	transport transport.Transport
	buffers   *msgbuf.Pool
	logger    zerolog.Logger
}

type Option func(*Client)

// WithBufferPool replaces the process-wide message buffer pool.
func WithBufferPool(p *msgbuf.Pool) Option {
	return func(c *Client) { c.buffers = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		buffers:   msgbuf.Default(),
		logger:    observability.Component("service"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession connects to name and negotiates the server pointer buffer
// size. On handshake failure the connected handle is released and no
// Session is returned.
func (c *Client) CreateSession(ctx context.Context, name string) (Session, error) {
	h, err := c.transport.Connect(ctx, name)
	if err != nil {
		observability.RecordSession(name, "create", "connect")
		return Session{}, fmt.Errorf("%w: %q: %w", ErrConnect, name, err)
	}

	var out [2]byte
	if _, err := c.control(ctx, h, cmif.ControlQueryPointerBufferSize, nil, out[:]); err != nil {
		if cerr := c.transport.CloseHandle(h); cerr != nil {
			c.logger.Warn().Err(cerr).Str("service", name).Msg("release after failed handshake")
		}
		observability.RecordSession(name, "create", "handshake")
		return Session{}, fmt.Errorf("%w: %q: %w", ErrHandshake, name, err)
	}

	s := NewRootSession(h, binary.LittleEndian.Uint16(out[:]))
	s.service = name
	c.logger.Debug().
		Str("service", name).
		Uint32("handle", uint32(h)).
		Uint16("pointer_buffer_size", s.pointerBufferSize).
		Msg("session created")
	observability.RecordSession(name, "create", "ok")
	return s, nil
}

// CloseSession notifies the remote side, releases an owned handle and
// clears *s. The notification is best effort; the local release always
// happens. Closing a cleared session does nothing.
func (c *Client) CloseSession(ctx context.Context, s *Session) {
	if s == nil || s.IsClosed() {
		return
	}
	var err error
	if s.ownsHandle || s.objectID != 0 {
		target := s.objectID
		if s.ownsHandle {
			target = 0
		}
		if err = c.sendClose(ctx, s.handle, target); err != nil {
			c.logger.Warn().Err(err).
				Uint32("handle", uint32(s.handle)).
				Uint32("object_id", s.objectID).
				Msg("close notification failed")
		}
		if s.ownsHandle {
			if err := c.transport.CloseHandle(s.handle); err != nil {
				c.logger.Warn().Err(err).Uint32("handle", uint32(s.handle)).Msg("handle release failed")
			}
		}
	}
	c.logger.Debug().Stringer("session", *s).Msg("session closed")
	observability.RecordSession(s.service, "close", outcome(err))
	*s = Session{}
}

// ConvertToDomain turns an owned root into a domain so that it can host
// multiplexed sub-objects. Sessions already in a domain are left as is.
func (c *Client) ConvertToDomain(ctx context.Context, s *Session) error {
	if s.IsDomain() {
		return nil
	}
	if !s.ownsHandle {
		return fmt.Errorf("%w: convert requires an owned session", ErrInvalidRequest)
	}
	var out [4]byte
	if _, err := c.control(ctx, s.handle, cmif.ControlConvertCurrentObjectToDomain, nil, out[:]); err != nil {
		observability.RecordSession(s.service, "convert", outcome(err))
		return err
	}
	id := binary.LittleEndian.Uint32(out[:])
	if id == 0 {
		return fmt.Errorf("%w: domain conversion returned object 0", ErrMalformedResponse)
	}
	s.objectID = id
	observability.RecordSession(s.service, "convert", "ok")
	return nil
}

// Clone asks the remote side for a second handle to the same object. The
// clone owns the returned handle.
func (c *Client) Clone(ctx context.Context, s Session) (Session, error) {
	if s.IsClosed() {
		return Session{}, fmt.Errorf("%w: clone of closed session", ErrInvalidRequest)
	}
	res, err := c.control(ctx, s.handle, cmif.ControlCloneCurrentObject, nil, nil)
	if err != nil {
		observability.RecordSession(s.service, "clone", outcome(err))
		return Session{}, err
	}
	h, err := res.MoveHandle()
	if err != nil {
		err = fmt.Errorf("%w: clone: %w", ErrMalformedResponse, err)
		observability.RecordSession(s.service, "clone", outcome(err))
		return Session{}, err
	}
	clone := newOwnedChild(s, h)
	clone.objectID = s.objectID
	observability.RecordSession(s.service, "clone", "ok")
	return clone, nil
}

// control runs one control command against h. Control commands never carry
// a domain header, so the response is always parsed as non-domain.
func (c *Client) control(ctx context.Context, h hipc.Handle, requestID uint32, in, out []byte) (*cmif.Response, error) {
	buf := c.buffers.Acquire()
	defer buf.Release()

	payload, err := cmif.MakeControlRequest(buf.Bytes(), requestID, len(in))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	copy(payload, in)
	if err := c.transport.SendSyncRequest(ctx, h, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	res, err := cmif.ParseResponse(buf.Bytes(), false, len(out))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if res.Result.Failed() {
		return nil, &RemoteError{Result: res.Result}
	}
	copy(out, res.Data)
	return res, nil
}

func (c *Client) sendClose(ctx context.Context, h hipc.Handle, objectID uint32) error {
	buf := c.buffers.Acquire()
	defer buf.Release()

	if err := cmif.MakeCloseRequest(buf.Bytes(), objectID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := c.transport.SendSyncRequest(ctx, h, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}
