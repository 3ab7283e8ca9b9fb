// Package protocol implements the byte-oriented wire protocol spoken between a parent
// process and a forked worker over the worker's original stdin/stdout.
//
// The vocabulary is a set of single-byte commands. Anything larger than a command is
// sent as a frame: a 4-byte big-endian size followed by exactly that many bytes of
// codec-encoded data. The reader of a frame answers with a DONE byte once it has fully
// consumed it (stop-and-wait), which keeps both ends aligned and lets the sender detect
// a dead or hung peer.
//
// Frame format:
//
//	0         4
//	┌─────────┬─────────────────┐
//	│  size   │   body ...      │
//	│ int32   │  size bytes     │
//	└─────────┴─────────────────┘
//
// Method names travel as a 2-byte big-endian length followed by UTF-8 bytes.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Command is a single protocol byte, exchanged in both directions.
type Command byte

const (
	Error              Command = 0xFF // Worker → parent: the call raised a fault, a fault frame follows
	Done               Command = 0    // Frame acknowledgement, or successful call completion
	Call               Command = 1    // Parent → worker: method name + argument frames follow
	Ping               Command = 2    // Liveness probe, echoed back unchanged
	Resource           Command = 3    // Worker → parent: request a named resource during a call
	Ready              Command = 4    // Worker → parent: handshake progress
	FailedToStart      Command = 5    // Worker → parent: handshake failed, the worker is exiting
	InitParallelWorker Command = 7    // Parent → worker: context frame + worker frame follow
)

const (
	// SizeLen is the length of the frame size prefix.
	SizeLen = 4
	// DefaultMaxFrameSize bounds a single frame body.
	DefaultMaxFrameSize uint32 = 64 << 20
	// MaxStringLen is the longest string WriteString can encode.
	MaxStringLen = 0xFFFF
)

var (
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrNegativeFrame  = errors.New("protocol: negative frame size")
	ErrStringTooLong  = errors.New("protocol: string too long")
	ErrUnknownCommand = errors.New("protocol: unknown command")
)

var commandNames = map[Command]string{
	Error:              "ERROR",
	Done:               "DONE",
	Call:               "CALL",
	Ping:               "PING",
	Resource:           "RESOURCE",
	Ready:              "READY",
	FailedToStart:      "FAILED_TO_START",
	InitParallelWorker: "INIT_PARALLEL_WORKER",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", byte(c))
}

// Valid reports whether c belongs to the protocol vocabulary.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// ReadCommand reads one command byte. A closed stream is reported as io.EOF unchanged,
// so callers can tell a clean shutdown from a broken one. The byte is returned even if
// it is not part of the vocabulary; deciding what is acceptable is up to the caller.
func ReadCommand(r io.Reader) (Command, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return Command(b[0]), nil
}

// WriteCommand writes one command byte. It does not flush.
func WriteCommand(w io.Writer, c Command) error {
	_, err := w.Write([]byte{byte(c)})
	return err
}

// ExpectCommand reads one command byte and fails unless it equals want.
func ExpectCommand(r io.Reader, want Command) error {
	got, err := ReadCommand(r)
	if err != nil {
		return err
	}
	if got != want {
		return errors.Errorf("protocol: expected %s, got %s", want, got)
	}
	return nil
}

// WriteFrame writes a size-prefixed frame. The caller must own the writer exclusively
// for the duration of the call, otherwise frames from different senders interleave.
func WriteFrame(w io.Writer, body []byte) error {
	if uint64(len(body)) > uint64(1<<31-1) {
		return ErrFrameTooLarge
	}
	var size [SizeLen]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(body)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one size-prefixed frame, refusing bodies larger than limit.
// io.ReadFull guarantees the body is read completely or not at all.
func ReadFrame(r io.Reader, limit uint32) ([]byte, error) {
	var size [SizeLen]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	n := int32(binary.BigEndian.Uint32(size[:]))
	if n < 0 {
		return nil, ErrNegativeFrame
	}
	if limit > 0 && uint32(n) > limit {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d > %d", n, limit)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// WriteString writes s with a 2-byte big-endian length prefix.
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLen {
		return ErrStringTooLong
	}
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(s)))
	copy(buf[2:], s)
	_, err := w.Write(buf)
	return err
}

// ReadString reads a string written by WriteString.
func ReadString(r io.Reader) (string, error) {
	var size [2]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(size[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}
