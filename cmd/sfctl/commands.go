package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/sfipc/internal/observability"
	"github.com/danmuck/sfipc/internal/service"
	"github.com/danmuck/sfipc/internal/transport/bridge"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// withSession dials the relay, opens name and hands the session to fn.
// The session and link are torn down afterwards whatever fn returns.
func (a *app) withSession(ctx context.Context, name string, fn func(*bridge.Client, *service.Client, service.Session) error) error {
	link, err := bridge.Dial(ctx, a.cfg.Bridge)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", a.cfg.Bridge.Address, err)
	}
	defer link.Close()

	client := service.NewClient(link, service.WithLogger(a.logger))
	s, err := client.CreateSession(ctx, name)
	if err != nil {
		return err
	}
	defer client.CloseSession(ctx, &s)
	return fn(link, client, s)
}

type pidCmd struct {
	ProgramID string `arg:"" help:"Program id, decimal or 0x-prefixed hex."`
}

func (c *pidCmd) Run(ctx context.Context, a *app) error {
	programID, err := parseID(c.ProgramID)
	if err != nil {
		return fmt.Errorf("program id: %w", err)
	}
	return a.withSession(ctx, "pm:info", func(_ *bridge.Client, client *service.Client, s service.Session) error {
		pid, _, err := service.DispatchInOut[uint64, uint64](ctx, client, s, cmdGetProcessID, programID, service.DispatchOptions{})
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "program %#016x -> pid %#x\n", programID, pid)
		return nil
	})
}

// debugStatus is the pm:dmnt debug lookup output.
type debugStatus struct {
	Loc    uint64
	Status uint8
	_      [7]byte
}

type debugHandleCmd struct {
	PID  string `arg:"" help:"Process id, decimal or 0x-prefixed hex."`
	Keep bool   `help:"Leave the returned event handle open."`
}

func (c *debugHandleCmd) Run(ctx context.Context, a *app) error {
	pid, err := parseID(c.PID)
	if err != nil {
		return fmt.Errorf("pid: %w", err)
	}
	return a.withSession(ctx, "pm:dmnt", func(link *bridge.Client, client *service.Client, s service.Session) error {
		var opts service.DispatchOptions
		opts.OutHandleAttrs[0] = service.OutHandleCopy
		st, reply, err := service.DispatchInOut[uint64, debugStatus](ctx, client, s, cmdGetDebugProcess, pid, opts)
		if err != nil {
			return err
		}
		h := reply.Handles[0]
		fmt.Fprintf(a.out, "pid %#x: loc %#x status %d event handle %#x\n", pid, st.Loc, st.Status, uint32(h))
		if c.Keep {
			return nil
		}
		return link.CloseHandle(h)
	})
}

type pointerSizeCmd struct {
	Service string `arg:"" help:"Service name, e.g. pm:info."`
}

func (c *pointerSizeCmd) Run(ctx context.Context, a *app) error {
	return a.withSession(ctx, c.Service, func(_ *bridge.Client, _ *service.Client, s service.Session) error {
		size := uint64(s.PointerBufferSize())
		fmt.Fprintf(a.out, "%s: pointer buffer %s (%d bytes)\n", c.Service, humanize.IBytes(size), size)
		return nil
	})
}

type serveStubCmd struct {
	MetricsAddr string `help:"Serve /metrics on this address; overrides metrics_addr."`
}

func (c *serveStubCmd) Run(ctx context.Context, a *app) error {
	metricsAddr := a.cfg.MetricsAddr
	if c.MetricsAddr != "" {
		metricsAddr = c.MetricsAddr
	}

	ln, err := bridge.Listen(a.cfg.Bridge)
	if err != nil {
		return err
	}
	kernel := newStubKernel(observability.Component("stub"))
	relay := bridge.NewRelay(a.cfg.Bridge, kernel).WithLogger(a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Serve(ctx, ln) })
	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           observability.MetricsHandler(observability.Component("metrics")),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info().Str("addr", metricsAddr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	fmt.Fprintf(a.out, "stub relay on %s\n", ln.Addr())
	return g.Wait()
}

func parseID(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty id")
	}
	return strconv.ParseUint(raw, 0, 64)
}
