package main

import (
	"context"
	"encoding/binary"

	"github.com/danmuck/sfipc/internal/hipc"
	"github.com/danmuck/sfipc/internal/transport/loopback"
	"github.com/rs/zerolog"
)

const (
	cmdGetProcessID     = 65000
	cmdGetDebugProcess  = 65000
	pmModule            = 15
	stubProgramID       = uint64(0x01006a800016e000)
	stubDebugLoc        = uint64(0x0000_0080_0000_0000)
	stubDebugStatusLive = uint8(1)
)

var (
	resultProgramNotFound = hipc.MakeResult(pmModule, 1)
	resultProcessNotFound = hipc.MakeResult(pmModule, 2)
)

// newStubKernel builds the in-process kernel behind serve-stub with the
// demo pm:info and pm:dmnt services.
func newStubKernel(logger zerolog.Logger) *loopback.Kernel {
	k := loopback.New(loopback.WithLogger(logger))
	k.Register("pm:info", pmInfo{programs: map[uint64]uint64{
		stubProgramID: loopback.DefaultProcessID,
	}})
	k.Register("pm:dmnt", pmDmnt{kernel: k})
	return k
}

type pmInfo struct {
	programs map[uint64]uint64
}

func (p pmInfo) Invoke(_ context.Context, call *loopback.Call) loopback.Answer {
	if call.CommandID != cmdGetProcessID || len(call.Data) < 8 {
		return loopback.Fail(loopback.ResultUnknownCommand)
	}
	pid, ok := p.programs[binary.LittleEndian.Uint64(call.Data)]
	if !ok {
		return loopback.Fail(resultProgramNotFound)
	}
	return loopback.Answer{Data: binary.LittleEndian.AppendUint64(nil, pid)}
}

// pmDmnt answers debug lookups for the stub process with a fresh event
// handle the caller must close.
type pmDmnt struct {
	kernel *loopback.Kernel
}

func (p pmDmnt) Invoke(_ context.Context, call *loopback.Call) loopback.Answer {
	if call.CommandID != cmdGetDebugProcess || len(call.Data) < 8 {
		return loopback.Fail(loopback.ResultUnknownCommand)
	}
	if binary.LittleEndian.Uint64(call.Data) != loopback.DefaultProcessID {
		return loopback.Fail(resultProcessNotFound)
	}
	out := binary.LittleEndian.AppendUint64(nil, stubDebugLoc)
	out = append(out, stubDebugStatusLive, 0, 0, 0, 0, 0, 0, 0)
	return loopback.Answer{
		Data:        out,
		CopyHandles: []hipc.Handle{p.kernel.NewHandle()},
	}
}
