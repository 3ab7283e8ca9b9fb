// Package transport is the parent side of one forked worker process.
//
// A Process owns the worker's stdin and stdout exclusively and speaks the stop-and-wait
// protocol over them, one request at a time:
//
//	parent ──INIT, frame(ctx), frame(worker)──→ worker
//	parent ←───────────── DONE, DONE, READY ─── worker
//	parent ──CALL name, frame(arg)…───────────→ worker
//	parent ←──────── DONE | ERROR frame(fault) ─ worker
//
// Every wait on the worker is guarded: an acknowledgement that does not arrive within
// AckTimeout, or a cancelled call context, kills the process. A worker that dies in the
// middle of a request is reported as ErrWorkerDied, never as a fault.
package transport

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"forkrpc/codec"
	"forkrpc/config"
	"forkrpc/execution"
	"forkrpc/message"
	"forkrpc/protocol"
)

var (
	ErrWorkerDied        = errors.New("transport: worker died")
	ErrAckTimeout        = errors.New("transport: acknowledgement timeout")
	ErrFailedToStart     = errors.New("transport: worker failed to start")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrClosed            = errors.New("transport: worker closed")
)

// ResourceFunc answers RESOURCE requests made by the worker during a call.
type ResourceFunc func(name string) ([]byte, bool)

// Options describe how to launch and talk to one worker.
type Options struct {
	Command string
	Args    []string // Placed before the launch arguments derived from Worker
	Env     []string // Added to the parent environment
	Stderr  io.Writer

	Worker   config.WorkerConfig
	Catalog  *execution.Catalog
	Context  message.ContextSpec
	Instance any // The worker value, encoded in Context

	AckTimeout      time.Duration
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration

	Resources ResourceFunc
	Log       *zap.Logger
}

func (o *Options) setDefaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = config.DefaultAckTimeout
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = config.DefaultStartupTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// Process is a running worker. Its methods are safe for concurrent use but requests
// are serialized: a worker serves one request at a time.
type Process struct {
	opts Options
	cmd  *exec.Cmd
	ectx *execution.Context
	log  *zap.Logger

	stdin  *os.File
	stdout *os.File
	w      *bufio.Writer
	r      *bufio.Reader

	mu     sync.Mutex // One request in flight
	broken error

	exited    chan struct{}
	waitErr   error
	closeOnce sync.Once
}

// Start spawns the worker and completes the handshake. ctx bounds the startup only.
func Start(ctx context.Context, opts Options) (*Process, error) {
	opts.setDefaults()
	if opts.Catalog == nil {
		return nil, errors.New("transport: no catalog")
	}
	ectx, err := opts.Catalog.Resolve(opts.Context, codec.GetCodec(opts.Worker.Codec))
	if err != nil {
		return nil, err
	}
	specBody, err := execution.EncodeSpec(ectx.Codec(), opts.Context)
	if err != nil {
		return nil, errors.Wrap(err, "transport: encode context")
	}
	workerBody, err := ectx.Encode(message.KindWorker, opts.Instance)
	if err != nil {
		return nil, errors.Wrap(err, "transport: encode worker")
	}

	// Private pipes: the parent keeps its ends even after the child has been reaped.
	childIn, stdin, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "transport: stdin pipe")
	}
	stdout, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		stdin.Close()
		return nil, errors.Wrap(err, "transport: stdout pipe")
	}

	args := append(append([]string{}, opts.Args...), opts.Worker.Args()...)
	cmd := exec.Command(opts.Command, args...)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = opts.Stderr
	cmd.Env = append(os.Environ(), opts.Env...)

	err = cmd.Start()
	childIn.Close()
	childOut.Close()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, errors.Wrapf(err, "transport: start %s", opts.Command)
	}

	p := &Process{
		opts:   opts,
		cmd:    cmd,
		ectx:   ectx,
		log:    opts.Log.With(zap.Int("pid", cmd.Process.Pid)),
		stdin:  stdin,
		stdout: stdout,
		w:      bufio.NewWriter(stdin),
		r:      bufio.NewReader(stdout),
		exited: make(chan struct{}),
	}
	go p.wait()

	if err := p.handshake(ctx, specBody, workerBody); err != nil {
		p.kill()
		p.release()
		return nil, err
	}
	p.log.Debug("worker started", zap.String("context", ectx.Name()))
	return p, nil
}

func (p *Process) handshake(ctx context.Context, specBody, workerBody []byte) error {
	g := p.arm(ctx, p.opts.StartupTimeout)
	defer g.disarm()

	failed := func(err error) error {
		return errors.Wrapf(ErrFailedToStart, "%v", g.cause(err))
	}

	if err := p.expect(protocol.Ready); err != nil {
		return failed(err)
	}
	if err := protocol.WriteCommand(p.w, protocol.InitParallelWorker); err != nil {
		return failed(err)
	}
	if err := p.writeObject(specBody); err != nil {
		return failed(err)
	}
	if err := p.writeObject(workerBody); err != nil {
		return failed(err)
	}
	if err := p.expect(protocol.Ready); err != nil {
		return failed(err)
	}
	return nil
}

// Ping checks the worker is alive and aligned.
func (p *Process) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken != nil {
		return p.broken
	}

	g := p.arm(ctx, p.opts.AckTimeout)
	defer g.disarm()

	if err := protocol.WriteCommand(p.w, protocol.Ping); err != nil {
		return p.fail(g, err)
	}
	if err := p.w.Flush(); err != nil {
		return p.fail(g, err)
	}
	if err := p.expect(protocol.Ping); err != nil {
		return p.fail(g, err)
	}
	return nil
}

// Call invokes the named operation. A fault raised by the operation is returned as the
// decoded error value; ErrWorkerDied, ErrAckTimeout or a context error mean the worker is
// gone and the Process is unusable.
func (p *Process) Call(ctx context.Context, name string, args ...any) error {
	bodies := make([][]byte, len(args))
	for i, arg := range args {
		body, err := p.ectx.Encode(message.KindArgument, arg)
		if err != nil {
			return errors.Wrapf(err, "transport: %s argument %d", name, i)
		}
		bodies[i] = body
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken != nil {
		return p.broken
	}

	// The call itself is bounded by the worker's own call timeout, not by AckTimeout.
	g := p.arm(ctx, 0)
	defer g.disarm()

	if err := protocol.WriteCommand(p.w, protocol.Call); err != nil {
		return p.fail(g, err)
	}
	if err := protocol.WriteString(p.w, name); err != nil {
		return p.fail(g, err)
	}
	if err := p.w.Flush(); err != nil {
		return p.fail(g, err)
	}
	for _, body := range bodies {
		if err := p.sendObject(body); err != nil {
			return p.fail(g, err)
		}
	}

	for {
		cmd, err := protocol.ReadCommand(p.r)
		if err != nil {
			return p.fail(g, err)
		}
		switch cmd {
		case protocol.Done:
			return nil
		case protocol.Error:
			body, err := protocol.ReadFrame(p.r, p.opts.Worker.MaxFrameSize)
			if err != nil {
				return p.fail(g, err)
			}
			fault, err := p.ectx.DecodeFault(body)
			if err != nil {
				// The frame was consumed, so the channel is still aligned.
				return errors.Wrap(err, "transport: decode fault")
			}
			return fault
		case protocol.Resource:
			if err := p.serveResource(); err != nil {
				return p.fail(g, err)
			}
		default:
			return p.fail(g, errors.Wrapf(ErrProtocolViolation, "unexpected reply %s", cmd))
		}
	}
}

// serveResource answers one RESOURCE request from the worker.
func (p *Process) serveResource() error {
	name, err := protocol.ReadString(p.r)
	if err != nil {
		return err
	}
	var (
		data  []byte
		found bool
	)
	if p.opts.Resources != nil {
		data, found = p.opts.Resources(name)
	}
	if !found {
		p.log.Debug("resource not found", zap.String("resource", name))
		if err := protocol.WriteCommand(p.w, protocol.Error); err != nil {
			return err
		}
		return p.w.Flush()
	}

	body, err := p.ectx.Encode(message.KindResource, data)
	if err != nil {
		return err
	}
	if err := protocol.WriteCommand(p.w, protocol.Done); err != nil {
		return err
	}
	return p.sendObject(body)
}

// Close asks the worker to exit by closing its stdin, and kills it if it has not
// exited within ShutdownTimeout.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken == nil {
		p.broken = ErrClosed
	}

	var err error
	p.closeOnce.Do(func() {
		p.stdin.Close()
		select {
		case <-p.exited:
		case <-time.After(p.opts.ShutdownTimeout):
			p.log.Warn("worker ignored shutdown, killing it")
			p.kill()
			<-p.exited
			err = errors.Wrap(ErrWorkerDied, "killed after shutdown timeout")
		}
		p.stdout.Close()
	})
	return err
}

// Done is closed when the worker process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Err reports why the Process is no longer usable, or nil.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broken
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// ExitCode returns the worker's exit code, or -1 while it is running or if it was killed.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *Process) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warn("kill worker", zap.Error(err))
	}
}

// release frees the parent's ends of the pipes once the process is gone.
func (p *Process) release() {
	p.closeOnce.Do(func() {
		<-p.exited
		p.stdin.Close()
		p.stdout.Close()
	})
}

// fail marks the Process broken after a failed exchange and makes sure the worker is gone.
func (p *Process) fail(g *guard, err error) error {
	cause := g.cause(err)
	switch {
	case errors.Is(cause, ErrAckTimeout), errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
	case errors.Is(cause, ErrProtocolViolation):
	default:
		cause = errors.Wrapf(ErrWorkerDied, "%v", err)
	}
	p.broken = cause
	p.kill()
	<-p.exited
	p.log.Warn("worker lost", zap.Error(cause), zap.Int("exit_code", p.cmd.ProcessState.ExitCode()))
	return cause
}

// sendObject is writeObject bounded by AckTimeout.
func (p *Process) sendObject(body []byte) error {
	ack := p.arm(context.Background(), p.opts.AckTimeout)
	defer ack.disarm()
	return ack.cause(p.writeObject(body))
}

// writeObject sends one frame and waits for its acknowledgement.
func (p *Process) writeObject(body []byte) error {
	if err := protocol.WriteFrame(p.w, body); err != nil {
		return err
	}
	if err := p.w.Flush(); err != nil {
		return err
	}
	return p.expect(protocol.Done)
}

func (p *Process) expect(want protocol.Command) error {
	got, err := protocol.ReadCommand(p.r)
	if err != nil {
		return err
	}
	if got == protocol.FailedToStart {
		return ErrFailedToStart
	}
	if got != want {
		return errors.Wrapf(ErrProtocolViolation, "expected %s, got %s", want, got)
	}
	return nil
}
