// Package message defines the envelopes carried inside protocol frames.
//
// Every frame body is one codec-encoded Envelope. The Type field names an entry in the
// active execution context's type table; Data holds the value encoded with the same codec.
package message

import "fmt"

// Kind says what role a frame plays in the protocol. A frame of the wrong kind at a
// given point of the exchange is an error.
type Kind string

const (
	KindContext  Kind = "context"  // Handshake: names the execution context to install
	KindWorker   Kind = "worker"   // Handshake: the worker instance, decoded in that context
	KindArgument Kind = "argument" // CALL: one argument of the operation
	KindFault    Kind = "fault"    // ERROR: the fault raised by the operation
	KindResource Kind = "resource" // RESOURCE reply: raw resource bytes
)

// Envelope is the body of a single frame.
//
//   - Kind: role of the frame.
//   - Type: registered type name ("string", "diagnostics.worker"), or the context name for KindContext.
//   - Data: the value itself, encoded with the channel's codec.
type Envelope struct {
	Kind Kind   `json:"kind"`
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// ContextSpec identifies an execution context that both processes have compiled in.
type ContextSpec struct {
	Name     string            `json:"name" yaml:"name"`
	Settings map[string]string `json:"settings,omitempty" yaml:"settings"`
}

// Fault is the generic, always-serializable description of an error raised by an
// operation. It is sent in place of the original error when that error's type is not
// registered in the execution context or cannot be encoded.
type Fault struct {
	Type    string `json:"type"`            // Go type of the original error, e.g. "*errors.fundamental"
	Message string `json:"message"`         // err.Error()
	Stack   string `json:"stack,omitempty"` // %+v rendering, includes the stack for pkg/errors values
}

func (f *Fault) Error() string {
	return f.Message
}

// NewFault builds the generic fault for err.
func NewFault(err error) *Fault {
	return &Fault{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Stack:   fmt.Sprintf("%+v", err),
	}
}

// Call is one decoded CALL request as seen by the middleware chain.
type Call struct {
	Method string
	Args   []any
}
