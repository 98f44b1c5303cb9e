package amc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryDelay(t *testing.T) {
	for _, tt := range []struct {
		failures int
		want     time.Duration
	}{
		{1, 0},
		{2, 0},
		{3, time.Second},
		{5, time.Second},
		{10, time.Second},
		{11, 30 * time.Second},
		{15, 30 * time.Second},
		{30, 30 * time.Second},
		{31, 60 * time.Second},
		{32, 120 * time.Second},
		{33, 240 * time.Second},
		{34, 480 * time.Second},
		{35, 600 * time.Second},
		{50, 600 * time.Second},
		{1000, 600 * time.Second},
	} {
		require.Equal(t, tt.want, retryDelay(tt.failures), "failures=%d", tt.failures)
	}
}

func TestLogDeduper(t *testing.T) {
	var d logDeduper

	require.True(t, d.shouldLog("dial tcp: connection refused"))
	require.False(t, d.shouldLog("dial tcp: connection refused"))
	require.False(t, d.shouldLog("dial tcp: connection refused"))

	// a different message opens the gate again
	require.True(t, d.shouldLog("websocket: close 1006"))
	require.False(t, d.shouldLog("websocket: close 1006"))

	d.reset()
	require.True(t, d.shouldLog("websocket: close 1006"))
}
