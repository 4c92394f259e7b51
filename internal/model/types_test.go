package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerSignalHistoryLatest(t *testing.T) {
	var empty PeerSignalHistory
	_, ok := empty.Latest()
	require.False(t, ok)

	t0 := time.Unix(100, 0)
	h := PeerSignalHistory{
		PeerID: "p1",
		Samples: []SignalSample{
			{PeerID: "p1", Strength: -80, Timestamp: t0},
			{PeerID: "p1", Strength: -72, Timestamp: t0.Add(time.Second)},
		},
	}
	latest, ok := h.Latest()
	require.True(t, ok)
	require.Equal(t, -72, latest.Strength)
}
