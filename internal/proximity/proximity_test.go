package proximity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crowdlink/go-mesh-node/internal/model"
)

var t0 = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

func TestTrackerClosingIn(t *testing.T) {
	tests := []struct {
		name    string
		samples []int
		want    bool
	}{
		{"delta 10 closes in", []int{-80, -70}, true},
		{"delta 2 does not", []int{-80, -78}, false},
		{"delta exactly threshold", []int{-80, -75}, true},
		{"moving away", []int{-60, -75}, false},
		{"single sample", []int{-40}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(TrackerConfig{Window: 5000 * time.Millisecond, ClosingInDelta: 5})
			var h model.PeerSignalHistory
			for i, s := range tt.samples {
				h = tr.Update("p1", s, t0.Add(time.Duration(i)*time.Second))
			}
			require.Equal(t, tt.want, h.ClosingIn)
		})
	}
}

func TestTrackerDropsSamplesOutsideWindow(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	tr.Update("p1", -90, t0)
	tr.Update("p1", -80, t0.Add(2*time.Second))
	h := tr.Update("p1", -79, t0.Add(6*time.Second))

	require.Len(t, h.Samples, 2)
	require.Equal(t, -80, h.Samples[0].Strength)
	require.False(t, h.ClosingIn, "oldest in-window sample is -80, delta 1")

	for _, s := range h.Samples {
		require.LessOrEqual(t, t0.Add(6*time.Second).Sub(s.Timestamp), DefaultWindow)
	}
}

func TestTrackerSampleAtWindowEdgeIsKept(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	tr.Update("p1", -80, t0)
	h := tr.Update("p1", -70, t0.Add(DefaultWindow))
	require.Len(t, h.Samples, 2)
	require.True(t, h.ClosingIn)
}

func TestTrackerTimestampsStayMonotonic(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	tr.Update("p1", -80, t0.Add(time.Second))
	h := tr.Update("p1", -70, t0)
	require.Len(t, h.Samples, 2)
	require.False(t, h.Samples[1].Timestamp.Before(h.Samples[0].Timestamp))
}

func TestTrackerPruneAndRemoval(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	tr.Update("a", -80, t0)
	tr.Update("a", -60, t0.Add(time.Second))
	tr.Update("b", -50, t0)
	tr.Update("c", -50, t0)

	tr.Prune(t0.Add(10 * time.Second))
	a, ok := tr.History("a")
	require.True(t, ok)
	require.Empty(t, a.Samples)
	require.False(t, a.ClosingIn)

	tr.Remove("b")
	_, ok = tr.History("b")
	require.False(t, ok)

	tr.Retain([]string{"a"})
	hs := tr.Histories()
	require.Len(t, hs, 1)
	require.Equal(t, "a", hs[0].PeerID)

	tr.Reset()
	require.Empty(t, tr.Histories())
}

func TestTrackerHistoriesAreCopies(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	tr.Update("a", -80, t0)
	hs := tr.Histories()
	hs[0].Samples[0].Strength = 0

	h, _ := tr.History("a")
	require.Equal(t, -80, h.Samples[0].Strength)
}

func histories(nearby, closing, far int) []model.PeerSignalHistory {
	var out []model.PeerSignalHistory
	for i := 0; i < nearby; i++ {
		out = append(out, model.PeerSignalHistory{
			PeerID:    fmt.Sprintf("n%d", i),
			Samples:   []model.SignalSample{{Strength: -60, Timestamp: t0}},
			ClosingIn: i < closing,
		})
	}
	for i := 0; i < far; i++ {
		out = append(out, model.PeerSignalHistory{
			PeerID:    fmt.Sprintf("f%d", i),
			Samples:   []model.SignalSample{{Strength: -90, Timestamp: t0}},
			ClosingIn: true,
		})
	}
	return out
}

func TestDetectorSeverity(t *testing.T) {
	tests := []struct {
		name       string
		nearby     int
		closing    int
		far        int
		detected   bool
		severity   model.Severity
		hasMessage bool
	}{
		{"nobody nearby", 0, 0, 3, false, model.SeverityLow, false},
		{"seven of ten", 10, 7, 0, true, model.SeverityHigh, true},
		{"six of ten", 10, 6, 0, true, model.SeverityHigh, true},
		{"four of ten", 10, 4, 0, true, model.SeverityMedium, true},
		{"three of ten", 10, 3, 0, false, model.SeverityLow, true},
		{"none closing", 10, 0, 0, false, model.SeverityLow, false},
		{"far peers ignored", 2, 0, 8, false, model.SeverityLow, false},
	}

	d := NewDetector(DefaultDetectorConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := d.Evaluate(histories(tt.nearby, tt.closing, tt.far), t0)
			require.Equal(t, tt.detected, alert.Detected)
			require.Equal(t, tt.severity, alert.Severity)
			require.Equal(t, tt.closing, alert.ClosestPeers)
			require.Equal(t, tt.nearby, alert.TotalNearby)
			require.Equal(t, tt.hasMessage, alert.Message != "")
		})
	}
}

func TestDetectorNearbyThresholdInclusive(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	hs := []model.PeerSignalHistory{{
		PeerID:    "edge",
		Samples:   []model.SignalSample{{Strength: -70}},
		ClosingIn: true,
	}}
	alert := d.Evaluate(hs, t0)
	require.Equal(t, 1, alert.TotalNearby)
	require.True(t, alert.Detected)

	hs = append(hs, model.PeerSignalHistory{PeerID: "empty"})
	require.Equal(t, 1, d.Evaluate(hs, t0).TotalNearby)
}

func TestDetectorPartialConfigKeepsThreshold(t *testing.T) {
	d := NewDetector(DetectorConfig{HighProportion: 0.8})
	alert := d.Evaluate(histories(10, 7, 0), t0)
	require.Equal(t, 10, alert.TotalNearby)
	require.True(t, alert.Detected)
	require.Equal(t, model.SeverityMedium, alert.Severity)

	d = NewDetector(DetectorConfig{NearbyThreshold: -95})
	require.Equal(t, 13, d.Evaluate(histories(10, 7, 3), t0).TotalNearby)
}

func TestDetectorTickStoresSnapshot(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	require.False(t, d.Current().Detected)

	d.Tick(histories(10, 7, 0), t0)
	require.True(t, d.Current().Detected)

	d.Tick(nil, t0.Add(5*time.Second))
	require.False(t, d.Current().Detected)
	require.Equal(t, 0, d.Current().TotalNearby)

	d.Tick(histories(10, 7, 0), t0)
	d.Reset()
	require.False(t, d.Current().Detected)
}

func TestEstimateDistance(t *testing.T) {
	require.InDelta(t, 1.0, EstimateDistance(-59, DefaultTxPower, DefaultPathLossExponent), 1e-9)
	require.InDelta(t, 10.0, EstimateDistance(-79, DefaultTxPower, DefaultPathLossExponent), 1e-9)
	require.Equal(t, 0.5, EstimateDistance(-20, DefaultTxPower, DefaultPathLossExponent))
	require.Equal(t, 100.0, EstimateDistance(-120, DefaultTxPower, DefaultPathLossExponent))
	require.InDelta(t, 10.0, EstimateDistance(-79, DefaultTxPower, 0), 1e-9)
}
