// Package position derives renderable positions from GPS anchors and the
// proximity reports of peers without GPS.
package position

import (
	"sort"
	"time"

	"crowdlink/go-mesh-node/internal/model"
)

const (
	triangulatedAccuracy = 0.3
	twoAnchorAccuracy    = 0.4
	oneAnchorAccuracy    = 0.5
)

// Config tunes the estimator.
type Config struct {
	// StaleAfter expires anchors and reports older than this on Expire. Zero keeps them until RemovePeer.
	StaleAfter time.Duration
}

// Estimator holds the last-write-wins anchor and report maps and the position
// map derived from them. Positions are rebuilt from scratch on every change.
type Estimator struct {
	cfg       Config
	anchors   map[string]model.AnchorRecord
	reports   map[string]model.ProximityReport
	self      *model.AnchorRecord
	positions map[string]model.UserPosition
}

// NewEstimator returns an empty estimator.
func NewEstimator(cfg Config) *Estimator {
	return &Estimator{
		cfg:       cfg,
		anchors:   make(map[string]model.AnchorRecord),
		reports:   make(map[string]model.ProximityReport),
		positions: make(map[string]model.UserPosition),
	}
}

// UpsertAnchor replaces the anchor record for a.PeerID.
func (e *Estimator) UpsertAnchor(a model.AnchorRecord) {
	e.anchors[a.PeerID] = a
	e.recompute()
}

// UpsertReport replaces the proximity report for r.PeerID.
func (e *Estimator) UpsertReport(r model.ProximityReport) {
	readings := make([]model.ProximityReading, len(r.Readings))
	copy(readings, r.Readings)
	r.Readings = readings
	e.reports[r.PeerID] = r
	e.recompute()
}

// SetSelf makes the local device an anchor; nil stops sharing.
func (e *Estimator) SetSelf(a *model.AnchorRecord) {
	if a == nil {
		e.self = nil
	} else {
		self := *a
		e.self = &self
	}
	e.recompute()
}

// RemovePeer drops everything known about peerID and reports whether anything was removed.
func (e *Estimator) RemovePeer(peerID string) bool {
	_, hadAnchor := e.anchors[peerID]
	_, hadReport := e.reports[peerID]
	if !hadAnchor && !hadReport {
		return false
	}
	delete(e.anchors, peerID)
	delete(e.reports, peerID)
	e.recompute()
	return true
}

// Expire removes anchors and reports older than StaleAfter. It reports whether anything changed.
func (e *Estimator) Expire(now time.Time) bool {
	if e.cfg.StaleAfter <= 0 {
		return false
	}
	changed := false
	for id, a := range e.anchors {
		if now.Sub(a.Timestamp) > e.cfg.StaleAfter {
			delete(e.anchors, id)
			changed = true
		}
	}
	for id, r := range e.reports {
		if now.Sub(r.Timestamp) > e.cfg.StaleAfter {
			delete(e.reports, id)
			changed = true
		}
	}
	if changed {
		e.recompute()
	}
	return changed
}

// Reset forgets every anchor, report and position, including the local anchor.
func (e *Estimator) Reset() {
	e.anchors = make(map[string]model.AnchorRecord)
	e.reports = make(map[string]model.ProximityReport)
	e.self = nil
	e.positions = make(map[string]model.UserPosition)
}

// Positions returns the current positions sorted by peer id.
func (e *Estimator) Positions() []model.UserPosition {
	out := make([]model.UserPosition, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Position returns one peer's position.
func (e *Estimator) Position(peerID string) (model.UserPosition, bool) {
	p, ok := e.positions[peerID]
	return p, ok
}

// Anchors returns every live anchor, the local one included, sorted by peer id.
func (e *Estimator) Anchors() []model.AnchorRecord {
	all := e.allAnchors()
	out := make([]model.AnchorRecord, 0, len(all))
	for _, a := range all {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (e *Estimator) allAnchors() map[string]model.AnchorRecord {
	if e.self == nil {
		return e.anchors
	}
	all := make(map[string]model.AnchorRecord, len(e.anchors)+1)
	for id, a := range e.anchors {
		all[id] = a
	}
	all[e.self.PeerID] = *e.self
	return all
}

func (e *Estimator) recompute() {
	e.positions = Compute(e.allAnchors(), e.reports)
}

// Compute builds the position map from anchors and reports. It is pure: the
// same inputs always give the same output.
func Compute(anchors map[string]model.AnchorRecord, reports map[string]model.ProximityReport) map[string]model.UserPosition {
	out := make(map[string]model.UserPosition, len(anchors)+len(reports))

	for id, a := range anchors {
		out[id] = model.UserPosition{
			PeerID:     a.PeerID,
			Name:       a.Name,
			Latitude:   a.Latitude,
			Longitude:  a.Longitude,
			Accuracy:   a.Accuracy,
			Source:     model.SourceGPS,
			IsAnchor:   true,
			LastUpdate: a.Timestamp,
		}
	}

	for id, r := range reports {
		if _, isAnchor := anchors[id]; isAnchor {
			continue
		}
		if pos, ok := derive(r, anchors); ok {
			out[id] = pos
		}
	}
	return out
}

func derive(r model.ProximityReport, anchors map[string]model.AnchorRecord) (model.UserPosition, bool) {
	var (
		circles []circle
		refs    []model.AnchorRef
	)
	seen := make(map[string]struct{}, len(r.Readings))
	for _, reading := range r.Readings {
		if reading.TargetPeerID == r.PeerID {
			continue
		}
		if _, dup := seen[reading.TargetPeerID]; dup {
			continue
		}
		a, ok := anchors[reading.TargetPeerID]
		if !ok {
			continue
		}
		seen[reading.TargetPeerID] = struct{}{}
		circles = append(circles, circle{lat: a.Latitude, lng: a.Longitude, r: reading.Distance})
		refs = append(refs, model.AnchorRef{
			PeerID:    a.PeerID,
			Latitude:  a.Latitude,
			Longitude: a.Longitude,
			Distance:  reading.Distance,
		})
	}

	pos := model.UserPosition{
		PeerID:     r.PeerID,
		Name:       r.Name,
		LastUpdate: r.Timestamp,
	}

	switch n := len(circles); {
	case n >= 3:
		lat, lng, ok := trilaterate(circles)
		if !ok {
			return model.UserPosition{}, false
		}
		var sum float64
		for _, c := range circles {
			sum += c.r
		}
		pos.Latitude, pos.Longitude = lat, lng
		pos.Accuracy = triangulatedAccuracy * sum / float64(n)
		pos.Source = model.SourceTriangulated
		pos.Anchors = refs[:3]
	case n == 2:
		pos.Latitude, pos.Longitude = intersect(circles[0], circles[1], intersectionSide(r.PeerID))
		pos.Accuracy = twoAnchorAccuracy * max(circles[0].r, circles[1].r)
		pos.Source = model.SourceEstimated2
		pos.Anchors = refs
	case n == 1:
		pos.Latitude, pos.Longitude = ring(circles[0], ringAngle(r.PeerID))
		pos.Accuracy = oneAnchorAccuracy * circles[0].r
		pos.Source = model.SourceEstimated1
		pos.Anchors = refs
	default:
		return model.UserPosition{}, false
	}
	return pos, true
}
