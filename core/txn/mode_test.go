package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestModeFor checks the mapping from request flags to modes, including
// that the shared flag is meaningless for read-write requests.
func TestModeFor(t *testing.T) {
	require.Equal(t, ModeReadWrite, modeFor(false, false))
	require.Equal(t, ModeReadWrite, modeFor(false, true))
	require.Equal(t, ModeReadOnly, modeFor(true, false))
	require.Equal(t, ModeSharedReadOnly, modeFor(true, true))
}

// TestCompatible exercises the nesting-compatibility table driving the
// reentrancy checks.
func TestCompatible(t *testing.T) {
	tests := []struct {
		name      string
		outer     Mode
		requested Mode
		wantErr   error
	}{
		{"rw in rw", ModeReadWrite, ModeReadWrite, nil},
		{"ro in rw", ModeReadWrite, ModeReadOnly, nil},
		{"shared in rw", ModeReadWrite, ModeSharedReadOnly, nil},
		{"ro in ro", ModeReadOnly, ModeReadOnly, nil},
		{"shared in ro", ModeReadOnly, ModeSharedReadOnly, nil},
		{"rw in ro", ModeReadOnly, ModeReadWrite, ErrReadWriteInReadOnly},
		{"rw in shared", ModeSharedReadOnly, ModeReadWrite, ErrReadWriteInReadOnly},
		{"ro in shared", ModeSharedReadOnly, ModeReadOnly, ErrNonSharedInShared},
		{"shared in shared", ModeSharedReadOnly, ModeSharedReadOnly, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := compatible(tt.outer, tt.requested)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
