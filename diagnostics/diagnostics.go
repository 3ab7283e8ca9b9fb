// Package diagnostics is a compiled-in execution context with a worker meant for
// exercising a worker channel end to end: echoing, failing, panicking, hanging,
// sleeping and fetching resources from the parent.
package diagnostics

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"

	"forkrpc/codec"
	"forkrpc/execution"
)

const (
	ContextName = "diagnostics"
	WorkerType  = "diagnostics.worker"
)

// Worker is the diagnostics worker. Prefix is prepended to everything Echo prints.
type Worker struct {
	Prefix string `json:"prefix"`
}

// CodedError is registered in the context, so it crosses the channel intact.
type CodedError struct {
	Code int64  `json:"code"`
	Text string `json:"text"`
}

func (e *CodedError) Error() string { return fmt.Sprintf("%s (code %d)", e.Text, e.Code) }

// ChanError is registered but cannot be encoded; it is replaced by a generic fault.
type ChanError struct {
	C chan int `json:"c"`
}

func (e *ChanError) Error() string { return "unserializable fault" }

// Echo writes its argument to stdout. In a worker process stdout is redirected away
// from the RPC channel, so this must not disturb the protocol.
func (w *Worker) Echo(s string) {
	fmt.Println(w.Prefix + s)
}

// Explode always fails with "boom".
func (w *Worker) Explode() error {
	return errors.New("boom")
}

// Fail fails with the given message.
func (w *Worker) Fail(msg string) error {
	return errors.New(msg)
}

func (w *Worker) Coded(code int64, text string) error {
	return &CodedError{Code: code, Text: text}
}

func (w *Worker) Unserializable() error {
	return &ChanError{C: make(chan int)}
}

func (w *Worker) Panic(msg string) {
	panic(msg)
}

func (w *Worker) Sleep(ms int64) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// Hang never returns; only the supervisor can end it.
func (w *Worker) Hang() {
	time.Sleep(time.Duration(math.MaxInt64))
}

// Exit ends the process in the middle of a call.
func (w *Worker) Exit(code int64) {
	os.Exit(int(code))
}

// Check fetches a resource from the parent and compares it with want.
func (w *Worker) Check(ctx context.Context, name string, want string) error {
	data, err := execution.Resource(ctx, name)
	if err != nil {
		return err
	}
	if string(data) != want {
		return errors.Errorf("resource %q: got %q, want %q", name, data, want)
	}
	return nil
}

// NewContext builds the diagnostics context.
func NewContext(settings map[string]string, c codec.Codec) (*execution.Context, error) {
	ctx := execution.New(ContextName, c)
	if err := ctx.Register(WorkerType, &Worker{}); err != nil {
		return nil, err
	}
	if err := ctx.Register("diagnostics.coded", &CodedError{}); err != nil {
		return nil, err
	}
	if err := ctx.Register("diagnostics.chan", &ChanError{}); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Catalog returns a catalog holding only the diagnostics context.
func Catalog() *execution.Catalog {
	cat := execution.NewCatalog()
	if err := cat.Add(ContextName, NewContext); err != nil {
		panic(err)
	}
	return cat
}
