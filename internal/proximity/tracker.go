// Package proximity turns per-peer signal-strength readings into trend and
// crowd-density signals.
package proximity

import (
	"sort"
	"time"

	"crowdlink/go-mesh-node/internal/model"
)

const (
	DefaultWindow         = 5000 * time.Millisecond
	DefaultClosingInDelta = 5
)

// TrackerConfig tunes the history tracker.
type TrackerConfig struct {
	Window         time.Duration
	ClosingInDelta int
}

// Tracker keeps a sliding window of samples per connected peer. It is not
// safe for concurrent use; the owning node serializes access.
type Tracker struct {
	cfg       TrackerConfig
	histories map[string]*model.PeerSignalHistory
}

// NewTracker builds a tracker, filling zero config values with defaults.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.ClosingInDelta == 0 {
		cfg.ClosingInDelta = DefaultClosingInDelta
	}
	return &Tracker{cfg: cfg, histories: make(map[string]*model.PeerSignalHistory)}
}

// Update appends a reading for peerID at now, drops samples older than the
// window and recomputes closingIn from the remaining samples.
func (t *Tracker) Update(peerID string, strength int, now time.Time) model.PeerSignalHistory {
	h, ok := t.histories[peerID]
	if !ok {
		h = &model.PeerSignalHistory{PeerID: peerID}
		t.histories[peerID] = h
	}

	if n := len(h.Samples); n > 0 && now.Before(h.Samples[n-1].Timestamp) {
		now = h.Samples[n-1].Timestamp
	}
	h.Samples = append(h.Samples, model.SignalSample{PeerID: peerID, Strength: strength, Timestamp: now})
	t.evaluate(h, now)
	return cloneHistory(h)
}

// Prune applies the window to every history at now.
func (t *Tracker) Prune(now time.Time) {
	for _, h := range t.histories {
		t.evaluate(h, now)
	}
}

func (t *Tracker) evaluate(h *model.PeerSignalHistory, now time.Time) {
	keep := h.Samples[:0]
	for _, s := range h.Samples {
		if now.Sub(s.Timestamp) <= t.cfg.Window {
			keep = append(keep, s)
		}
	}
	h.Samples = keep

	h.ClosingIn = false
	if len(h.Samples) >= 2 {
		oldest := h.Samples[0].Strength
		newest := h.Samples[len(h.Samples)-1].Strength
		h.ClosingIn = newest-oldest >= t.cfg.ClosingInDelta
	}
}

// Remove discards the history of a peer that is no longer connected.
func (t *Tracker) Remove(peerID string) {
	delete(t.histories, peerID)
}

// Retain drops every history whose peer is not in connected.
func (t *Tracker) Retain(connected []string) {
	keep := make(map[string]struct{}, len(connected))
	for _, id := range connected {
		keep[id] = struct{}{}
	}
	for id := range t.histories {
		if _, ok := keep[id]; !ok {
			delete(t.histories, id)
		}
	}
}

// Reset drops all histories.
func (t *Tracker) Reset() {
	t.histories = make(map[string]*model.PeerSignalHistory)
}

// History returns a copy of one peer's history.
func (t *Tracker) History(peerID string) (model.PeerSignalHistory, bool) {
	h, ok := t.histories[peerID]
	if !ok {
		return model.PeerSignalHistory{}, false
	}
	return cloneHistory(h), true
}

// Histories returns copies of all histories sorted by peer id.
func (t *Tracker) Histories() []model.PeerSignalHistory {
	out := make([]model.PeerSignalHistory, 0, len(t.histories))
	for _, h := range t.histories {
		out = append(out, cloneHistory(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func cloneHistory(h *model.PeerSignalHistory) model.PeerSignalHistory {
	samples := make([]model.SignalSample, len(h.Samples))
	copy(samples, h.Samples)
	return model.PeerSignalHistory{PeerID: h.PeerID, Samples: samples, ClosingIn: h.ClosingIn}
}
