// Package server implements the worker side of the forked worker protocol.
//
// A worker process serves exactly one parent over its original stdin/stdout:
//
//	handshake: READY → INIT_PARALLEL_WORKER, frame(context), frame(worker) → READY
//	loop:      PING → PING
//	           CALL name frame(arg)*N → DONE | ERROR frame(fault)
//
// The loop is strictly sequential: one command is read, fully handled and answered
// before the next is read. Faults raised by operations are reported inside the protocol;
// every other failure ends the loop and the process, and the parent learns about it
// from the closed stream.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"forkrpc/codec"
	"forkrpc/execution"
	"forkrpc/message"
	"forkrpc/middleware"
	"forkrpc/protocol"
	"forkrpc/supervisor"
	"forkrpc/worker"
)

var (
	ErrInitialization    = errors.New("initialization failure")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTransfer          = errors.New("transfer failure")
)

// Failure is a fatal server error of a given kind. errors.Is matches both the kind
// sentinel and the underlying cause.
type Failure struct {
	Kind error
	Err  error
}

func (f *Failure) Error() string        { return f.Kind.Error() + ": " + f.Err.Error() }
func (f *Failure) Unwrap() error        { return f.Err }
func (f *Failure) Is(target error) bool { return target == f.Kind }

func fail(kind error, err error, format string, args ...any) error {
	return &Failure{Kind: kind, Err: errors.Wrapf(err, format, args...)}
}

// Server is the worker-side runtime. It owns the RPC streams exclusively.
type Server struct {
	in       *bufio.Reader
	out      *bufio.Writer
	catalog  *execution.Catalog
	codec    codec.Codec
	maxFrame uint32
	activity *supervisor.Activity
	log      *zap.Logger

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	// Set once by the handshake, never replaced.
	ectx  *execution.Context
	table *worker.Table
}

type Option func(*Server)

func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

func WithMaxFrameSize(n uint32) Option {
	return func(s *Server) { s.maxFrame = n }
}

// WithActivity shares the Activity the supervisor watches.
func WithActivity(a *supervisor.Activity) Option {
	return func(s *Server) { s.activity = a }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates a server reading requests from in and writing replies to out.
// Contexts named in the handshake are resolved against catalog.
func NewServer(in io.Reader, out io.Writer, catalog *execution.Catalog, opts ...Option) *Server {
	s := &Server{
		in:       bufio.NewReader(in),
		out:      bufio.NewWriter(out),
		catalog:  catalog,
		codec:    &codec.JSONCodec{},
		maxFrame: protocol.DefaultMaxFrameSize,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.activity == nil {
		s.activity = supervisor.NewActivity()
	}
	return s
}

// Use registers a middleware around call dispatch. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Activity returns the call activity record shared with the supervisor.
func (s *Server) Activity() *supervisor.Activity {
	return s.activity
}

// ProcessRequests runs the handshake and then serves requests until the parent closes
// the stream (nil) or a fatal error occurs. A failed handshake is reported to the
// parent with FAILED_TO_START.
func (s *Server) ProcessRequests(ctx context.Context) error {
	if err := s.Handshake(); err != nil {
		s.log.Error("worker failed to start", zap.Error(err))
		if werr := protocol.WriteCommand(s.out, protocol.FailedToStart); werr == nil {
			s.out.Flush()
		}
		return err
	}
	return s.Serve(ctx)
}

// Handshake installs the execution context and the worker.
func (s *Server) Handshake() error {
	if err := s.writeAndFlush(protocol.Ready); err != nil {
		return fail(ErrInitialization, err, "write READY")
	}

	cmd, err := protocol.ReadCommand(s.in)
	if err != nil {
		return fail(ErrInitialization, err, "read init command")
	}
	if cmd != protocol.InitParallelWorker {
		return fail(ErrInitialization, protocol.ErrUnknownCommand, "expected %s, got %s", protocol.InitParallelWorker, cmd)
	}

	body, err := protocol.ReadFrame(s.in, s.maxFrame)
	if err != nil {
		return fail(ErrInitialization, err, "read context frame")
	}
	ectx, err := s.catalog.Decode(s.codec, body)
	if err != nil {
		return fail(ErrInitialization, err, "install context")
	}
	if err := s.ack(); err != nil {
		return fail(ErrInitialization, err, "ack context frame")
	}

	// The worker is decoded relative to the context that was just installed.
	body, err = protocol.ReadFrame(s.in, s.maxFrame)
	if err != nil {
		return fail(ErrInitialization, err, "read worker frame")
	}
	w, err := ectx.Decode(message.KindWorker, body)
	if err != nil {
		return fail(ErrInitialization, err, "decode worker")
	}
	table, err := worker.Build(w)
	if err != nil {
		return fail(ErrInitialization, err, "build worker %T", w)
	}
	if err := s.ack(); err != nil {
		return fail(ErrInitialization, err, "ack worker frame")
	}

	s.ectx, s.table = ectx, table
	if err := s.writeAndFlush(protocol.Ready); err != nil {
		return fail(ErrInitialization, err, "write READY")
	}
	s.log.Info("worker ready",
		zap.String("context", ectx.Name()),
		zap.String("worker", fmt.Sprintf("%T", w)),
		zap.Strings("operations", table.Names()))
	return nil
}

// Serve runs the request loop. It returns nil when the parent closes the stream.
func (s *Server) Serve(ctx context.Context) error {
	if s.table == nil {
		return fail(ErrInitialization, errors.New("no worker"), "serve before handshake")
	}
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	for {
		cmd, err := protocol.ReadCommand(s.in)
		if err == io.EOF {
			s.log.Info("parent closed the channel")
			return nil
		}
		if err != nil {
			return fail(ErrTransfer, err, "read command")
		}

		switch cmd {
		case protocol.Ping:
			if err := protocol.WriteCommand(s.out, protocol.Ping); err != nil {
				return fail(ErrTransfer, err, "write PING")
			}
		case protocol.Call:
			if err := s.call(ctx); err != nil {
				return err
			}
		default:
			// Nothing more is written: the stream can no longer be trusted.
			return fail(ErrProtocolViolation, protocol.ErrUnknownCommand, "unexpected request %s", cmd)
		}

		if err := s.out.Flush(); err != nil {
			return fail(ErrTransfer, err, "flush reply")
		}
	}
}

// call serves one CALL. Only errors that leave the stream unusable are returned;
// a fault raised by the operation is written back and the loop carries on.
func (s *Server) call(ctx context.Context) error {
	s.activity.BeginCall()
	defer s.activity.EndCall()

	name, err := protocol.ReadString(s.in)
	if err != nil {
		return fail(ErrTransfer, err, "read method name")
	}
	op, ok := s.table.Lookup(name)
	if !ok {
		// The argument count is unknown, so the rest of the request cannot be skipped.
		return fail(ErrProtocolViolation, worker.ErrUnknownOperation, "%q", name)
	}

	args := make([]any, op.Arity)
	for i := range args {
		if args[i], err = s.readObject(message.KindArgument); err != nil {
			return fail(ErrTransfer, err, "%s argument %d", name, i)
		}
	}

	res := s.newResourceSession()
	callErr := s.handler(execution.WithResources(ctx, res.fetch), &message.Call{Method: name, Args: args})
	if err := res.close(); err != nil {
		return err
	}

	if callErr == nil {
		if err := protocol.WriteCommand(s.out, protocol.Done); err != nil {
			return fail(ErrTransfer, err, "write DONE")
		}
		return nil
	}

	if err := protocol.WriteCommand(s.out, protocol.Error); err != nil {
		return fail(ErrTransfer, err, "write ERROR")
	}
	body, err := s.ectx.EncodeFault(callErr)
	if err != nil {
		return fail(ErrTransfer, err, "encode fault")
	}
	if err := protocol.WriteFrame(s.out, body); err != nil {
		return fail(ErrTransfer, err, "write fault")
	}
	return nil
}

// dispatch is the innermost handler of the middleware chain.
func (s *Server) dispatch(ctx context.Context, call *message.Call) error {
	op, ok := s.table.Lookup(call.Method)
	if !ok {
		return errors.Wrap(worker.ErrUnknownOperation, call.Method)
	}
	return op.Handler(ctx, call.Args)
}

// readObject reads one frame, decodes it in the active context and acknowledges it.
func (s *Server) readObject(kind message.Kind) (any, error) {
	body, err := protocol.ReadFrame(s.in, s.maxFrame)
	if err != nil {
		return nil, err
	}
	v, err := s.ectx.Decode(kind, body)
	if err != nil {
		return nil, err
	}
	// Tell the parent the object arrived.
	if err := s.ack(); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Server) ack() error {
	return s.writeAndFlush(protocol.Done)
}

func (s *Server) writeAndFlush(cmd protocol.Command) error {
	if err := protocol.WriteCommand(s.out, cmd); err != nil {
		return err
	}
	return s.out.Flush()
}
