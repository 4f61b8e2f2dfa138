package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/danmuck/sfipc/internal/logging"
	"github.com/danmuck/sfipc/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var cli struct {
	Config   string `help:"TOML config file." type:"path" env:"SFIPC_CONFIG"`
	LogLevel string `help:"Log level (trace, debug, info, warn, error, off)."`

	Pid         pidCmd         `cmd:"" help:"Resolve a program id to a process id through pm:info."`
	DebugHandle debugHandleCmd `cmd:"" help:"Fetch debug status and an event handle for a process through pm:dmnt."`
	PointerSize pointerSizeCmd `cmd:"" help:"Open a service session and print its pointer buffer size."`
	ServeStub   serveStubCmd   `cmd:"" help:"Serve a stub kernel with demo pm services over the bridge."`

	ConfigTemplate configTemplateCmd `cmd:"" help:"Print or write a config template."`
	ConfigCheck    configCheckCmd    `cmd:"" help:"Validate a config file."`
}

// app carries what every command needs once flags and config are resolved.
type app struct {
	cfg    config
	out    io.Writer
	logger zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kongCtx := kong.Parse(
		&cli,
		kong.Name("sfctl"),
		kong.Description("Client and stub server for service IPC over the bridge relay."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	logging.ConfigureRuntime()
	cfg, err := loadConfig(cli.Config)
	kongCtx.FatalIfErrorf(err)

	level := cfg.LogLevel
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	if lvl, ok := logging.ParseLevel(level); ok {
		zerolog.SetGlobalLevel(lvl)
	}

	a := &app{cfg: cfg, out: os.Stdout, logger: log.Logger}
	observability.RegisterMetrics()
	kongCtx.FatalIfErrorf(kongCtx.Run(a))
}
