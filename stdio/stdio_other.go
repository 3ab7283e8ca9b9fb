//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package stdio

import "os"

// detach falls back to swapping the os package variables. Output written directly to
// the process's stdout handle is not redirected on these platforms.
func detach() (*Channel, error) {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, err
	}
	ch := &Channel{In: os.Stdin, Out: os.Stdout}
	os.Stdin = devNull
	os.Stdout = os.Stderr
	return ch, nil
}
