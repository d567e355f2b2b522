package chat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTypingDebouncer_OneStartOneStopPerBurst(t *testing.T) {
	var starts, stops atomic.Int32
	d := NewTypingDebouncer(60*time.Millisecond, func() { starts.Add(1) }, func() { stops.Add(1) })

	for i := 0; i < 8; i++ {
		d.Keystroke()
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, int32(1), starts.Load())
	require.Zero(t, stops.Load())
	require.True(t, d.Typing())

	require.Eventually(t, func() bool { return stops.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return stops.Load() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	require.False(t, d.Typing())

	d.Keystroke()
	require.Equal(t, int32(2), starts.Load())
	require.Eventually(t, func() bool { return stops.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestTypingDebouncer_CancelSuppressesStop(t *testing.T) {
	var stops atomic.Int32
	d := NewTypingDebouncer(30*time.Millisecond, nil, func() { stops.Add(1) })

	require.False(t, d.Cancel())
	d.Keystroke()
	require.True(t, d.Cancel())
	require.Never(t, func() bool { return stops.Load() > 0 }, 120*time.Millisecond, 10*time.Millisecond)
}
