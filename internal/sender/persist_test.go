package sender

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendAndDrainRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.bin")
	s, err := NewStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Append([]byte("first"), true))
	require.NoError(t, s.Append([]byte("second"), false))

	var got []Record
	err = s.Drain(func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "first", string(got[0].Payload))
	assert.True(t, got[0].Compressed)
	assert.Equal(t, "second", string(got[1].Payload))
	assert.False(t, got[1].Compressed)

	var second []Record
	require.NoError(t, s.Drain(func(r Record) error {
		second = append(second, r)
		return nil
	}))
	assert.Empty(t, second, "file was truncated after a full successful drain")
}

func TestStore_DrainStopsAtTruncatedTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.bin")
	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Append([]byte("whole"), true))

	// Append a header claiming a large payload that never follows, to
	// simulate a crash mid-write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0xFF, 0xFF, 0x7F, 1})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var got []Record
	require.NoError(t, s.Drain(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1, "the truncated trailing record is skipped, not an error")
	assert.Equal(t, "whole", string(got[0].Payload))
}

func TestStore_DrainDoesNotTruncateOnConsumeError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.bin")
	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Append([]byte("a"), true))
	require.NoError(t, s.Append([]byte("b"), true))

	callCount := 0
	err = s.Drain(func(r Record) error {
		callCount++
		if callCount == 2 {
			return assertErr
		}
		return nil
	})
	require.Error(t, err)

	var got []Record
	require.NoError(t, s.Drain(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2, "failed drain left the file intact for a retry")
}

var assertErr = &stubError{"consume failed"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }
