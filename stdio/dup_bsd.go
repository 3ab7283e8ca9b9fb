//go:build darwin || freebsd || netbsd || openbsd

package stdio

import "golang.org/x/sys/unix"

var dup2 = unix.Dup2
