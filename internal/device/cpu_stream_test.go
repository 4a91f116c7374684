package device

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRunsInOrder(t *testing.T) {
	s := newStream()
	defer s.close()

	var got []int
	for i := 0; i < 200; i++ {
		require.NoError(t, s.enqueue(func() error {
			got = append(got, i)
			return nil
		}))
	}
	require.NoError(t, s.synchronize())
	require.Len(t, got, 200)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStreamStickyError(t *testing.T) {
	s := newStream()
	defer s.close()

	first := errors.New("first")
	var ran atomic.Int32
	require.NoError(t, s.enqueue(func() error { return first }))
	require.NoError(t, s.enqueue(func() error { ran.Add(1); return errors.New("second") }))

	assert.ErrorIs(t, s.synchronize(), first)
	assert.Equal(t, int32(1), ran.Load())

	// the error is cleared once reported
	require.NoError(t, s.enqueue(func() error { return nil }))
	assert.NoError(t, s.synchronize())
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := newStream()
	require.NoError(t, s.enqueue(func() error { return nil }))
	require.NoError(t, s.close())
	assert.NoError(t, s.close())
}

func TestStreamRejectsWorkAfterClose(t *testing.T) {
	s := newStream()
	require.NoError(t, s.close())

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, s.enqueue(func() error { return nil }), ErrNotInitialized)
	})
}

func TestStreamWaitKeepsError(t *testing.T) {
	s := newStream()
	defer s.close()

	failed := errors.New("failed")
	require.NoError(t, s.enqueue(func() error { return failed }))
	s.wait()
	assert.ErrorIs(t, s.synchronize(), failed)
}
