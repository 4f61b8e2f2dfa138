package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/danmuck/sfipc/internal/cmif"
	"github.com/danmuck/sfipc/internal/hipc"
	"github.com/danmuck/sfipc/internal/observability"
)

// Dispatch runs one synchronous call of commandID on s. in is copied into
// the request payload; on success up to len(out) bytes of the response
// payload are copied into out. out is only written once the whole response
// has been validated, so every failure leaves it untouched.
func (c *Client) Dispatch(ctx context.Context, s Session, commandID uint32, in, out []byte, opts DispatchOptions) (Reply, error) {
	start := time.Now()
	reply, err := c.dispatch(ctx, s, commandID, in, out, opts)
	observability.RecordDispatch(commandID, outcome(err), time.Since(start))
	if err != nil {
		c.logger.Debug().Err(err).
			Uint32("command_id", commandID).
			Uint32("handle", uint32(s.handle)).
			Uint32("object_id", s.objectID).
			Msg("dispatch failed")
	}
	return reply, err
}

func (c *Client) dispatch(ctx context.Context, s Session, commandID uint32, in, out []byte, opts DispatchOptions) (Reply, error) {
	target := s.handle
	if opts.TargetHandle != hipc.InvalidHandle {
		target = opts.TargetHandle
	} else if s.IsClosed() {
		return Reply{}, fmt.Errorf("%w: dispatch on closed session", ErrInvalidRequest)
	}

	buf := c.buffers.Acquire()
	defer buf.Release()

	payload, err := beginRequest(buf.Bytes(), s, commandID, len(in), opts)
	if err != nil {
		return Reply{}, err
	}
	copy(payload, in)

	if err := c.transport.SendSyncRequest(ctx, target, buf.Bytes()); err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	res, err := parseResponse(buf.Bytes(), s, len(out))
	if err != nil {
		return Reply{}, err
	}
	objects, err := extractObjects(res, s, opts.OutObjectCount)
	if err != nil {
		c.discardOutputs(ctx, target, res, objects, nil)
		return Reply{}, err
	}
	handles, err := extractHandles(res, opts.OutHandleAttrs)
	if err != nil {
		c.discardOutputs(ctx, target, res, objects, handles)
		return Reply{}, err
	}

	copy(out, res.Data)
	return Reply{PID: res.PID, Objects: objects, Handles: handles}, nil
}

// discardOutputs undoes what a response that then failed validation handed
// over. Owned sessions and handles are released. Domain objects are closed,
// including ids left unread, which live behind target.
func (c *Client) discardOutputs(ctx context.Context, target hipc.Handle, res *cmif.Response, sessions []Session, handles []hipc.Handle) {
	for _, s := range sessions {
		switch {
		case s.ownsHandle:
			c.releaseHandles([]hipc.Handle{s.handle})
		case s.objectID != 0:
			c.closeDomainObject(ctx, s.handle, s.objectID)
		}
	}
	c.releaseHandles(handles)

	objects, unread := res.Drain()
	for _, id := range objects {
		if id != 0 {
			c.closeDomainObject(ctx, target, id)
		}
	}
	c.releaseHandles(unread)
}

func (c *Client) closeDomainObject(ctx context.Context, h hipc.Handle, objectID uint32) {
	if err := c.sendClose(ctx, h, objectID); err != nil {
		c.logger.Warn().Err(err).
			Uint32("handle", uint32(h)).
			Uint32("object_id", objectID).
			Msg("close of received domain object failed")
	}
}

func (c *Client) releaseHandles(handles []hipc.Handle) {
	for _, h := range handles {
		if err := c.transport.CloseHandle(h); err != nil {
			c.logger.Warn().Err(err).Uint32("handle", uint32(h)).Msg("release of received handle failed")
		}
	}
}

// DispatchIn sends in, encoded little-endian, and expects no output payload.
func DispatchIn[I any](ctx context.Context, c *Client, s Session, commandID uint32, in I, opts DispatchOptions) (Reply, error) {
	raw, err := binary.Append(nil, binary.LittleEndian, in)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: encode input: %w", ErrInvalidRequest, err)
	}
	return c.Dispatch(ctx, s, commandID, raw, nil, opts)
}

// DispatchOut sends no input payload and decodes the output into an O.
func DispatchOut[O any](ctx context.Context, c *Client, s Session, commandID uint32, opts DispatchOptions) (O, Reply, error) {
	return DispatchInOut[struct{}, O](ctx, c, s, commandID, struct{}{}, opts)
}

// DispatchInOut encodes in, runs the call and decodes the output into an O.
// Both types must have a fixed binary size.
func DispatchInOut[I, O any](ctx context.Context, c *Client, s Session, commandID uint32, in I, opts DispatchOptions) (O, Reply, error) {
	var out O
	raw, err := binary.Append(nil, binary.LittleEndian, in)
	if err != nil {
		return out, Reply{}, fmt.Errorf("%w: encode input: %w", ErrInvalidRequest, err)
	}
	size := binary.Size(&out)
	if size < 0 {
		return out, Reply{}, fmt.Errorf("%w: output type %T has no fixed size", ErrInvalidRequest, out)
	}
	outBuf := make([]byte, size)
	reply, err := c.Dispatch(ctx, s, commandID, raw, outBuf, opts)
	if err != nil {
		return out, Reply{}, err
	}
	if _, err := binary.Decode(outBuf, binary.LittleEndian, &out); err != nil {
		return out, reply, fmt.Errorf("%w: decode output: %w", ErrMalformedResponse, err)
	}
	return out, reply, nil
}
