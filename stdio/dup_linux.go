package stdio

import "golang.org/x/sys/unix"

// dup2 is missing on some linux architectures; Dup3 without flags is equivalent.
var dup2 = func(oldfd, newfd int) error {
	return unix.Dup3(oldfd, newfd, 0)
}
