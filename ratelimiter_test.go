package dohgw

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsWithinRate(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{PerIPRate: 5, PerIPConcurrent: 5}, nil)
	defer rl.Close()

	ip := net.ParseIP("203.0.113.1")
	for i := 0; i < 5; i++ {
		release, err := rl.Allow(ip)
		require.NoError(t, err)
		require.NotNil(t, release)
		release()
	}
}

func TestRateLimiterRejectsOverRate(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{PerIPRate: 1, PerIPConcurrent: 10}, nil)
	defer rl.Close()

	ip := net.ParseIP("203.0.113.1")
	release, err := rl.Allow(ip)
	require.NoError(t, err)
	release()

	_, err = rl.Allow(ip)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimiterRejectsOverConcurrency(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{PerIPRate: 100, PerIPConcurrent: 1}, nil)
	defer rl.Close()

	ip := net.ParseIP("203.0.113.1")
	release, err := rl.Allow(ip)
	require.NoError(t, err)

	_, err = rl.Allow(ip)
	require.ErrorIs(t, err, ErrRateLimited)

	release()
	_, err = rl.Allow(ip)
	require.NoError(t, err)
}

func TestRateLimiterIndependentPerIP(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{PerIPRate: 1, PerIPConcurrent: 10}, nil)
	defer rl.Close()

	a := net.ParseIP("203.0.113.1")
	b := net.ParseIP("198.51.100.1")

	_, err := rl.Allow(a)
	require.NoError(t, err)
	_, err = rl.Allow(b)
	require.NoError(t, err)
}

func TestRateLimiterMasksByPrefix(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{PerIPRate: 1, PerIPConcurrent: 10, Prefix4: 24}, nil)
	defer rl.Close()

	a := net.ParseIP("203.0.113.1")
	b := net.ParseIP("203.0.113.2")

	release, err := rl.Allow(a)
	require.NoError(t, err)
	release()

	// same /24 as a, shares the bucket that a just emptied
	_, err = rl.Allow(b)
	require.ErrorIs(t, err, ErrRateLimited)
}
