package server

import (
	"sync"

	"github.com/pkg/errors"

	"forkrpc/execution"
	"forkrpc/message"
	"forkrpc/protocol"
)

// resourceSession lets the operation of the current call fetch resources from the
// parent. It borrows the streams from the request loop, which is blocked in the
// operation meanwhile, and is disabled as soon as the call returns.
type resourceSession struct {
	s      *Server
	mu     sync.Mutex
	closed bool
	broken error
}

func (s *Server) newResourceSession() *resourceSession {
	return &resourceSession{s: s}
}

// fetch runs one RESOURCE exchange:
//
//	worker → RESOURCE name
//	parent → DONE frame(bytes)   worker → DONE
//	parent → ERROR               (not found)
func (r *resourceSession) fetch(name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, execution.ErrNoResources
	}
	if r.broken != nil {
		return nil, r.broken
	}

	data, err := r.exchange(name)
	if err != nil && !errors.Is(err, execution.ErrResourceNotFound) {
		r.broken = err
	}
	return data, err
}

func (r *resourceSession) exchange(name string) ([]byte, error) {
	s := r.s
	if err := protocol.WriteCommand(s.out, protocol.Resource); err != nil {
		return nil, fail(ErrTransfer, err, "write RESOURCE")
	}
	if err := protocol.WriteString(s.out, name); err != nil {
		return nil, fail(ErrTransfer, err, "write resource name")
	}
	if err := s.out.Flush(); err != nil {
		return nil, fail(ErrTransfer, err, "flush resource request")
	}

	cmd, err := protocol.ReadCommand(s.in)
	if err != nil {
		return nil, fail(ErrTransfer, err, "read resource reply")
	}
	switch cmd {
	case protocol.Error:
		return nil, errors.Wrap(execution.ErrResourceNotFound, name)
	case protocol.Done:
		v, err := s.readObject(message.KindResource)
		if err != nil {
			return nil, fail(ErrTransfer, err, "read resource %q", name)
		}
		data, ok := v.([]byte)
		if !ok && v != nil {
			return nil, fail(ErrProtocolViolation, errors.Errorf("got %T", v), "resource %q", name)
		}
		return data, nil
	}
	return nil, fail(ErrProtocolViolation, protocol.ErrUnknownCommand, "unexpected resource reply %s", cmd)
}

// close disables the session and reports whether an exchange broke the stream.
func (r *resourceSession) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.broken
}
