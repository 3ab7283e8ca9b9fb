package stdio

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openFds(t *testing.T) int {
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

// Only the rebinding is faked; the saved copies are real descriptors.
func TestDetachFailureClosesSavedFds(t *testing.T) {
	errRefused := errors.New("dup2 refused")
	tests := []struct {
		name    string
		failAt  int
		targets []int
	}{
		{"stdin", 1, []int{0}},
		{"stdout", 2, []int{0, 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := dup2
			defer func() { dup2 = orig }()
			var targets []int
			dup2 = func(oldfd, newfd int) error {
				targets = append(targets, newfd)
				if len(targets) == tt.failAt {
					return errRefused
				}
				return nil
			}

			before := openFds(t)
			ch, err := detach()
			assert.True(t, errors.Is(err, errRefused))
			assert.Nil(t, ch)
			assert.Equal(t, before, openFds(t), "saved descriptors leaked")
			assert.Equal(t, tt.targets, targets)
		})
	}
}
