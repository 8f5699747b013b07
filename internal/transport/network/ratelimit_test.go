package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimitedConnAdmitsWithinBurstImmediately(t *testing.T) {
	a, b := NewFakePair("a", "b", FakeParams{}, FakeParams{})
	defer a.Close()
	defer b.Close()
	limited := NewRateLimitedConn(a, 1_000_000, 64)

	start := time.Now()
	_, err := limited.WriteTo(make([]byte, 32))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := b.ReadFrom(make([]byte, 64))
	require.NoError(t, err)
	require.Equal(t, 32, n)
}

func TestRateLimitedConnThrottlesBeyondBurst(t *testing.T) {
	a, b := NewFakePair("a", "b", FakeParams{}, FakeParams{})
	defer a.Close()
	defer b.Close()
	// 100 bytes/sec with a 100-byte burst: the first write drains the
	// bucket, the second must wait for refill before WriteTo returns.
	limited := NewRateLimitedConn(a, 100, 100)

	_, err := limited.WriteTo(make([]byte, 100))
	require.NoError(t, err)

	start := time.Now()
	_, err = limited.WriteTo(make([]byte, 50))
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}
