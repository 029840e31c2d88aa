package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotFoundWrapsSentinel(t *testing.T) {
	err := NotFound("key", "missing-key")
	require.True(t, errors.Is(err, ErrNotFound))
	require.Contains(t, err.Error(), "missing-key")
}

func TestCorruptWALMessage(t *testing.T) {
	err := &CorruptWAL{Offset: 128}
	require.Contains(t, err.Error(), "128")
}

func TestCorruptSnapshotMessage(t *testing.T) {
	err := &CorruptSnapshot{Reason: "bad crc"}
	require.Contains(t, err.Error(), "bad crc")
}
