package bridge

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/sfipc/internal/hipc"
	"github.com/danmuck/sfipc/internal/observability"
	"github.com/danmuck/sfipc/internal/protocol/frame"
	"github.com/danmuck/sfipc/internal/protocol/tlv"
	"github.com/danmuck/sfipc/internal/transport"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Client runs the transport verbs against a remote Relay over one
// connection. Calls are serialized; the link carries one request at a time.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
	broken error
	closed bool
}

var _ transport.Transport = (*Client)(nil)

// Dial connects to cfg.Address, retrying with backoff up to
// cfg.MaxConnectAttempts (zero retries until ctx ends).
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	logger := observability.Component("bridge.client")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		conn, err := dial(ctx, cfg)
		if err == nil {
			logger.Debug().Str("addr", cfg.Address).Int("attempt", attempt).Msg("relay connected")
			return &Client{
				cfg:    cfg,
				logger: logger,
				conn:   conn,
				reader: bufio.NewReader(conn),
			}, nil
		}
		logger.Warn().Err(err).Str("addr", cfg.Address).Int("attempt", attempt).Msg("relay dial failed")
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		timer := time.NewTimer(cfg.Backoff.Delay(attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) Connect(ctx context.Context, name string) (hipc.Handle, error) {
	fields, err := c.roundTrip(ctx, MsgConnect, []tlv.Field{tlv.String(FieldService, name)})
	if err != nil {
		return hipc.InvalidHandle, err
	}
	h, err := tlv.GetU32(fields, FieldHandle)
	if err != nil {
		return hipc.InvalidHandle, fmt.Errorf("%w: connect response: %w", ErrProtocol, err)
	}
	return hipc.Handle(h), nil
}

func (c *Client) SendSyncRequest(ctx context.Context, h hipc.Handle, msg []byte) error {
	fields, err := c.roundTrip(ctx, MsgSend, []tlv.Field{
		tlv.U32(FieldHandle, uint32(h)),
		tlv.Bytes(FieldMessage, msg),
	})
	if err != nil {
		return err
	}
	answer, err := tlv.GetBytes(fields, FieldMessage)
	if err != nil {
		return fmt.Errorf("%w: send response: %w", ErrProtocol, err)
	}
	if len(answer) != len(msg) {
		return fmt.Errorf("%w: send response is %d bytes, want %d", ErrProtocol, len(answer), len(msg))
	}
	copy(msg, answer)
	return nil
}

func (c *Client) CloseHandle(h hipc.Handle) error {
	_, err := c.roundTrip(context.Background(), MsgCloseHandle, []tlv.Field{tlv.U32(FieldHandle, uint32(h))})
	return err
}

// Close tears down the relay link. The relay releases any handles the link
// still holds.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if tc, ok := c.conn.(*tls.Conn); ok && c.broken == nil {
		err = multierr.Append(err, tc.CloseWrite())
	}
	return multierr.Append(err, c.conn.Close())
}

// roundTrip writes one request and reads its response. An I/O failure
// leaves the link unusable for later calls.
func (c *Client) roundTrip(ctx context.Context, typ uint16, fields []tlv.Field) ([]tlv.Field, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: relay client closed", transport.ErrClosed)
	}
	if c.broken != nil {
		return nil, fmt.Errorf("%w: relay link failed earlier: %w", transport.ErrClosed, c.broken)
	}

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	c.nextID++
	id := c.nextID
	_ = c.conn.SetWriteDeadline(deadline(ctx, c.cfg.WriteTimeout))
	if err := writeFrame(c.conn, id, typ, 0, fields); err != nil {
		return nil, c.fail(ctx, err)
	}
	_ = c.conn.SetReadDeadline(deadline(ctx, c.cfg.ReadTimeout))
	fr, err := frame.ReadFrame(c.reader, frame.DefaultLimits())
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	if !fr.IsResponse() || fr.Header.MessageID != id || fr.Header.MessageType != typ {
		c.broken = ErrProtocol
		return nil, fmt.Errorf("%w: got type=%d id=%d for %s id=%d",
			ErrProtocol, fr.Header.MessageType, fr.Header.MessageID, msgName(typ), id)
	}
	respFields, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if fr.IsError() {
		return nil, decodeError(respFields)
	}
	return respFields, nil
}

func (c *Client) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Join(ctxErr, err)
	}
	c.broken = err
	c.logger.Warn().Err(err).Str("addr", c.cfg.Address).Msg("relay link failed")
	return err
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
