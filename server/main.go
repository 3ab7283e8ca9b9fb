package server

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"forkrpc/codec"
	"forkrpc/config"
	"forkrpc/execution"
	"forkrpc/logging"
	"forkrpc/middleware"
	"forkrpc/protocol"
	"forkrpc/stdio"
	"forkrpc/supervisor"
)

// Process exit codes. Supervisor terminations use supervisor.ExitHangTimeout and
// supervisor.ExitIdleTimeout.
const (
	ExitOK            = 0
	ExitFailedToStart = 1
	ExitProtocol      = 2
)

// Main runs a worker process: parse the launch arguments, take over stdin/stdout,
// start the supervisor and serve the parent until it goes away. It returns the exit code.
//
//	func main() { os.Exit(server.Main(os.Args[1:], catalog)) }
func Main(args []string, catalog *execution.Catalog) int {
	cfg, err := config.ParseWorkerArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forkworker:", err)
		// The parent is waiting for READY on our stdout.
		protocol.WriteCommand(os.Stdout, protocol.FailedToStart)
		return ExitFailedToStart
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forkworker:", err)
		protocol.WriteCommand(os.Stdout, protocol.FailedToStart)
		return ExitFailedToStart
	}
	defer log.Sync()

	ch, err := stdio.Detach()
	if err != nil {
		log.Error("cannot take over standard streams", zap.Error(err))
		protocol.WriteCommand(os.Stdout, protocol.FailedToStart)
		return ExitFailedToStart
	}
	defer ch.Close()

	activity := supervisor.NewActivity()
	sup := supervisor.New(supervisor.Config{
		Pulse:       cfg.Pulse,
		CallTimeout: cfg.CallTimeout,
		WaitTimeout: cfg.WaitTimeout,
	}, activity, supervisor.WithLogger(log))

	srv := NewServer(ch.In, ch.Out, catalog,
		WithCodec(codec.GetCodec(cfg.Codec)),
		WithMaxFrameSize(cfg.MaxFrameSize),
		WithActivity(activity),
		WithLogger(log))
	srv.Use(middleware.LoggingMiddleware(log))
	srv.Use(middleware.RecoverMiddleware())
	if cfg.CallRate > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.CallRate, cfg.CallBurst))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	log.Info("worker starting",
		zap.Int("pid", os.Getpid()),
		zap.Duration("pulse", cfg.Pulse),
		zap.Duration("call_timeout", cfg.CallTimeout),
		zap.Duration("wait_timeout", cfg.WaitTimeout),
		zap.Stringer("codec", cfg.Codec))

	err = srv.ProcessRequests(ctx)
	if err != nil {
		log.Error("worker stopped", zap.Error(err))
	}
	return ExitCode(err)
}

// ExitCode maps the result of ProcessRequests to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInitialization):
		return ExitFailedToStart
	default:
		return ExitProtocol
	}
}
