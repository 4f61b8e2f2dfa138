package service

import (
	"fmt"

	"github.com/danmuck/sfipc/internal/cmif"
	"github.com/danmuck/sfipc/internal/hipc"
)

// beginRequest lays out the request for one call in buf and returns the
// payload region of exactly payloadSize bytes. Buffer slots are counted and
// then emitted in slot order 0..7; objects, handles and slots keep caller
// order on the wire.
func beginRequest(buf []byte, s Session, commandID uint32, payloadSize int, opts DispatchOptions) ([]byte, error) {
	if payloadSize < 0 {
		return nil, fmt.Errorf("%w: negative payload size", ErrInvalidRequest)
	}
	if len(opts.InObjects) > 0 {
		if !s.IsDomain() {
			return nil, fmt.Errorf("%w: input objects require a domain session", ErrInvalidRequest)
		}
		for i, obj := range opts.InObjects {
			if !obj.IsDomain() {
				return nil, fmt.Errorf("%w: input object %d is not a domain object", ErrInvalidRequest, i)
			}
		}
	}

	f := cmif.RequestFormat{
		ObjectID:          s.objectID,
		RequestID:         commandID,
		Context:           opts.Context,
		DataSize:          payloadSize,
		ServerPointerSize: int(s.pointerBufferSize),
		NumObjects:        len(opts.InObjects),
		SendPID:           opts.SendPID,
	}
	for _, h := range opts.InHandles {
		if h.Move {
			f.NumMoveHandles++
		} else {
			f.NumHandles++
		}
	}
	for _, b := range opts.Buffers {
		countBuffer(&f, b.Attr)
	}

	req, err := cmif.MakeRequest(buf, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	for _, obj := range opts.InObjects {
		if err := req.Object(obj.objectID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	for _, h := range opts.InHandles {
		if h.Move {
			err = req.MoveHandle(h.Handle)
		} else {
			err = req.CopyHandle(h.Handle)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	for i, b := range opts.Buffers {
		if err := emitBuffer(req, b); err != nil {
			return nil, fmt.Errorf("%w: buffer slot %d: %w", ErrInvalidRequest, i, err)
		}
	}
	return req.Data(), nil
}

func countBuffer(f *cmif.RequestFormat, attr BufferAttr) {
	if attr == 0 {
		return
	}
	in := attr&BufferIn != 0
	out := attr&BufferOut != 0
	switch {
	case attr&BufferAutoSelect != 0:
		if in {
			f.NumInAutoBuffers++
		}
		if out {
			f.NumOutAutoBuffers++
		}
	case attr&BufferPointer != 0:
		if in {
			f.NumInPointers++
		}
		if out {
			if attr&BufferFixedSize != 0 {
				f.NumOutFixedPointers++
			} else {
				f.NumOutPointers++
			}
		}
	case attr&BufferMapAlias != 0:
		switch {
		case in && out:
			f.NumInOutBuffers++
		case in:
			f.NumInBuffers++
		case out:
			f.NumOutBuffers++
		}
	}
}

func emitBuffer(req *cmif.Request, b Buffer) error {
	attr := b.Attr
	if attr == 0 {
		return nil
	}
	in := attr&BufferIn != 0
	out := attr&BufferOut != 0
	switch {
	case attr&BufferAutoSelect != 0:
		if in {
			if err := req.InAutoBuffer(b.Address, b.Size); err != nil {
				return err
			}
		}
		if out {
			return req.OutAutoBuffer(b.Address, b.Size)
		}
	case attr&BufferPointer != 0:
		if in {
			if err := req.InPointer(b.Address, b.Size); err != nil {
				return err
			}
		}
		if out {
			if attr&BufferFixedSize != 0 {
				return req.OutFixedPointer(b.Address, b.Size)
			}
			return req.OutPointer(b.Address, b.Size)
		}
	case attr&BufferMapAlias != 0:
		mode := hipc.BufferModeNormal
		if attr&BufferMapTransferAllowsNonSecure != 0 {
			mode = hipc.BufferModeNonSecure
		}
		if attr&BufferMapTransferAllowsNonDevice != 0 {
			mode = hipc.BufferModeNonDevice
		}
		switch {
		case in && out:
			return req.InOutBuffer(b.Address, b.Size, mode)
		case in:
			return req.InBuffer(b.Address, b.Size, mode)
		case out:
			return req.OutBuffer(b.Address, b.Size, mode)
		}
	}
	return nil
}
