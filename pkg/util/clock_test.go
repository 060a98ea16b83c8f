package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualClockFiresOnAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewManualClock(start)

	ch := c.After(time.Second)
	require.Equal(t, 1, c.Waiters())

	c.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	got := <-ch
	require.Equal(t, start.Add(time.Second), got)
	require.Equal(t, 0, c.Waiters())
	require.Equal(t, start.Add(time.Second), c.Now())
}

func TestManualClockZeroDuration(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	<-c.After(0)
	require.Equal(t, 0, c.Waiters())
}
