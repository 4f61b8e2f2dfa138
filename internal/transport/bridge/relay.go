package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/sfipc/internal/hipc"
	"github.com/danmuck/sfipc/internal/observability"
	"github.com/danmuck/sfipc/internal/protocol/frame"
	"github.com/danmuck/sfipc/internal/protocol/tlv"
	"github.com/danmuck/sfipc/internal/transport"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Relay serves the transport verbs of a backend Transport to bridge
// Clients. Handles opened or received over a link are released when the
// link goes away.
type Relay struct {
	cfg     Config
	backend transport.Transport
	logger  zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
}

func NewRelay(cfg Config, backend transport.Transport) *Relay {
	return &Relay{
		cfg:     cfg.WithDefaults(),
		backend: backend,
		logger:  observability.Component("bridge.relay"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// WithLogger replaces the relay logger.
func (r *Relay) WithLogger(l zerolog.Logger) *Relay {
	r.logger = l
	return r
}

// Serve accepts links on ln until ctx ends or ln fails. It closes ln and
// every open link before returning.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	if err := r.cfg.ValidateServerTransport(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		r.closeAllConns()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		defer ln.Close()
		r.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			r.trackConn(conn)
			g.Go(func() error {
				r.handleConn(ctx, conn)
				return nil
			})
		}
	})
	return g.Wait()
}

// ActiveConns is the number of links being served.
func (r *Relay) ActiveConns() int64 { return r.active.Load() }

type link struct {
	owned map[hipc.Handle]struct{}
}

func (r *Relay) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer r.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := r.active.Add(1)
	r.logger.Debug().Str("remote", remote).Int64("active", active).Msg("link opened")

	l := &link{owned: make(map[hipc.Handle]struct{})}
	defer func() {
		if err := r.releaseAll(l); err != nil {
			r.logger.Warn().Err(err).Str("remote", remote).Msg("release of link handles failed")
		}
		remaining := r.active.Add(-1)
		r.logger.Debug().Str("remote", remote).Int64("active", remaining).Msg("link closed")
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		fr, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				r.logger.Debug().Err(err).Str("remote", remote).Msg("link read ended")
			}
			return
		}
		if fr.IsResponse() {
			r.logger.Warn().Str("remote", remote).Uint16("type", fr.Header.MessageType).Msg("unexpected response frame")
			return
		}

		fields, err := r.serve(ctx, l, fr)
		flags := frame.FlagIsResponse
		if err != nil {
			flags |= frame.FlagIsError
			fields = errorFields(err)
		}
		observability.RecordRelay(msgName(fr.Header.MessageType), err == nil)

		_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
		if err := writeFrame(conn, fr.Header.MessageID, fr.Header.MessageType, flags, fields); err != nil {
			r.logger.Warn().Err(err).Str("remote", remote).Msg("link write failed")
			return
		}
	}
}

func (r *Relay) serve(ctx context.Context, l *link, fr frame.Frame) ([]tlv.Field, error) {
	in, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		return nil, err
	}
	switch fr.Header.MessageType {
	case MsgConnect:
		name, err := tlv.GetString(in, FieldService)
		if err != nil {
			return nil, err
		}
		h, err := r.backend.Connect(ctx, name)
		if err != nil {
			return nil, err
		}
		l.owned[h] = struct{}{}
		return []tlv.Field{tlv.U32(FieldHandle, uint32(h))}, nil

	case MsgSend:
		h, err := tlv.GetU32(in, FieldHandle)
		if err != nil {
			return nil, err
		}
		msg, err := tlv.GetBytes(in, FieldMessage)
		if err != nil {
			return nil, err
		}
		if len(msg) > hipc.MessageBufferSize {
			return nil, hipc.ErrMessageTooLarge
		}
		if err := l.check(hipc.Handle(h)); err != nil {
			return nil, err
		}
		buf := make([]byte, hipc.MessageBufferSize)
		copy(buf, msg)
		if err := r.backend.SendSyncRequest(ctx, hipc.Handle(h), buf); err != nil {
			return nil, err
		}
		l.adoptReceived(buf)
		return []tlv.Field{tlv.Bytes(FieldMessage, buf[:len(msg)])}, nil

	case MsgCloseHandle:
		h, err := tlv.GetU32(in, FieldHandle)
		if err != nil {
			return nil, err
		}
		if err := l.check(hipc.Handle(h)); err != nil {
			return nil, err
		}
		delete(l.owned, hipc.Handle(h))
		return nil, r.backend.CloseHandle(hipc.Handle(h))

	default:
		return nil, ErrProtocol
	}
}

// check rejects handles this link was never given. Backend handles are
// shared by every link, so one peer must not reach another's sessions.
func (l *link) check(h hipc.Handle) error {
	if _, ok := l.owned[h]; !ok {
		return fmt.Errorf("%w: %#x not opened on this link", transport.ErrInvalidHandle, uint32(h))
	}
	return nil
}

// adoptReceived records handles the backend handed out in an answer.
// Answers carry message type 0; anything else is an unanswered request,
// such as a session close, whose handle lists belong to the sender.
func (l *link) adoptReceived(buf []byte) {
	res, err := hipc.ParseResponse(buf)
	if err != nil || buf[0] != 0 || buf[1] != 0 {
		return
	}
	for _, h := range res.CopyHandles {
		l.owned[h] = struct{}{}
	}
	for _, h := range res.MoveHandles {
		l.owned[h] = struct{}{}
	}
}

func (r *Relay) releaseAll(l *link) error {
	var err error
	for h := range l.owned {
		err = multierr.Append(err, r.backend.CloseHandle(h))
	}
	return err
}

func (r *Relay) trackConn(conn net.Conn) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	r.conns[conn] = struct{}{}
}

func (r *Relay) untrackConn(conn net.Conn) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	delete(r.conns, conn)
}

func (r *Relay) closeAllConns() {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	for conn := range r.conns {
		_ = conn.Close()
	}
}
