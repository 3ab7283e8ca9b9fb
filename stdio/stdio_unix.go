//go:build linux || darwin || freebsd || netbsd || openbsd

package stdio

import (
	"os"

	"golang.org/x/sys/unix"
)

// detach works at the file descriptor level, so writes to fd 1 from cgo code or
// child processes are redirected too, not just writes through os.Stdout.
func detach() (*Channel, error) {
	inFd, err := unix.Dup(int(os.Stdin.Fd()))
	if err != nil {
		return nil, err
	}
	outFd, err := unix.Dup(int(os.Stdout.Fd()))
	if err != nil {
		unix.Close(inFd)
		return nil, err
	}
	unix.CloseOnExec(inFd)
	unix.CloseOnExec(outFd)

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		unix.Close(inFd)
		unix.Close(outFd)
		return nil, err
	}
	defer devNull.Close()

	if err := dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		unix.Close(inFd)
		unix.Close(outFd)
		return nil, err
	}
	if err := dup2(int(os.Stderr.Fd()), int(os.Stdout.Fd())); err != nil {
		// Put fd 0 back before dropping the saved copies.
		dup2(inFd, int(os.Stdin.Fd()))
		unix.Close(inFd)
		unix.Close(outFd)
		return nil, err
	}

	return &Channel{
		In:  os.NewFile(uintptr(inFd), "rpc-in"),
		Out: os.NewFile(uintptr(outFd), "rpc-out"),
	}, nil
}
