// Package stdio takes over a worker process's standard streams.
//
// The RPC channel runs over the stdin/stdout the parent connected us to. Anything in
// the worker that prints to stdout or reads stdin would corrupt it, so Detach hands the
// original handles to the caller and rebinds fd 0 to /dev/null and fd 1 to stderr.
package stdio

import (
	"os"

	"github.com/pkg/errors"
)

// Channel is the pair of original handles the RPC protocol runs on.
type Channel struct {
	In  *os.File
	Out *os.File
}

// Close closes both handles.
func (c *Channel) Close() error {
	inErr := c.In.Close()
	outErr := c.Out.Close()
	if inErr != nil {
		return inErr
	}
	return outErr
}

// Detach captures the current stdin/stdout as a Channel and neutralizes them.
// It must run before any user code and only once per process.
func Detach() (*Channel, error) {
	ch, err := detach()
	if err != nil {
		return nil, errors.Wrap(err, "stdio: detach")
	}
	return ch, nil
}
