package position

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crowdlink/go-mesh-node/internal/model"
)

var ts = time.Date(2026, 7, 4, 21, 30, 0, 0, time.UTC)

func anchor(id string, lat, lng float64) model.AnchorRecord {
	return model.AnchorRecord{PeerID: id, Name: id, Latitude: lat, Longitude: lng, Accuracy: 5, Timestamp: ts}
}

// planarDistance measures in the frame the estimator uses, anchored at origin.
func planarDistance(origin model.AnchorRecord, lat1, lng1, lat2, lng2 float64) float64 {
	p := newPlane(origin.Latitude, origin.Longitude)
	x1, y1 := p.toXY(lat1, lng1)
	x2, y2 := p.toXY(lat2, lng2)
	return math.Hypot(x2-x1, y2-y1)
}

func report(id string, readings ...model.ProximityReading) model.ProximityReport {
	return model.ProximityReport{PeerID: id, Name: id, Readings: readings, Timestamp: ts}
}

func reading(target string, d float64) model.ProximityReading {
	return model.ProximityReading{TargetPeerID: target, Distance: d}
}

func idsWithSides(t *testing.T) (plus, minus string) {
	t.Helper()
	for i := 0; i < 64 && (plus == "" || minus == ""); i++ {
		id := fmt.Sprintf("peer-%d", i)
		if intersectionSide(id) == 1 && plus == "" {
			plus = id
		}
		if intersectionSide(id) == -1 && minus == "" {
			minus = id
		}
	}
	require.NotEmpty(t, plus)
	require.NotEmpty(t, minus)
	return plus, minus
}

func TestAnchorsArePositionedDirectly(t *testing.T) {
	e := NewEstimator(Config{})
	e.UpsertAnchor(anchor("a", 10, 20))

	pos, ok := e.Position("a")
	require.True(t, ok)
	require.Equal(t, model.SourceGPS, pos.Source)
	require.True(t, pos.IsAnchor)
	require.Equal(t, 10.0, pos.Latitude)
	require.Equal(t, 20.0, pos.Longitude)
	require.Equal(t, 5.0, pos.Accuracy)
}

func TestTrilaterationRecoversInteriorPoint(t *testing.T) {
	a := anchor("A", 0, 0)
	b := anchor("B", 0, 0.001)
	c := anchor("C", 0.001, 0)
	wantLat, wantLng := 0.0003, 0.0004

	e := NewEstimator(Config{})
	e.UpsertAnchor(a)
	e.UpsertAnchor(b)
	e.UpsertAnchor(c)
	e.UpsertReport(report("r",
		reading("A", planarDistance(a, a.Latitude, a.Longitude, wantLat, wantLng)),
		reading("B", planarDistance(a, b.Latitude, b.Longitude, wantLat, wantLng)),
		reading("C", planarDistance(a, c.Latitude, c.Longitude, wantLat, wantLng)),
	))

	pos, ok := e.Position("r")
	require.True(t, ok)
	require.Equal(t, model.SourceTriangulated, pos.Source)
	require.False(t, pos.IsAnchor)
	require.InDelta(t, wantLat, pos.Latitude, 1e-9)
	require.InDelta(t, wantLng, pos.Longitude, 1e-9)

	errMeters := planarDistance(a, pos.Latitude, pos.Longitude, wantLat, wantLng)
	require.Less(t, errMeters, pos.Accuracy)
	require.Len(t, pos.Anchors, 3)
	require.Equal(t, ts, pos.LastUpdate)
}

func TestTrilaterationCollinearGivesNoPosition(t *testing.T) {
	e := NewEstimator(Config{})
	e.UpsertAnchor(anchor("A", 0, 0))
	e.UpsertAnchor(anchor("B", 0, 0.001))
	e.UpsertAnchor(anchor("C", 0, 0.002))
	e.UpsertReport(report("r", reading("A", 50), reading("B", 50), reading("C", 150)))

	_, ok := e.Position("r")
	require.False(t, ok)
	require.Len(t, e.Positions(), 3)
}

func TestTwoAnchorsPickSideByPeerID(t *testing.T) {
	plus, minus := idsWithSides(t)

	e := NewEstimator(Config{})
	e.UpsertAnchor(anchor("A", 0, 0))
	e.UpsertAnchor(anchor("B", 0, 0.001))
	e.UpsertReport(report(plus, reading("A", 80), reading("B", 80)))
	e.UpsertReport(report(minus, reading("A", 80), reading("B", 80)))

	p, ok := e.Position(plus)
	require.True(t, ok)
	m, ok := e.Position(minus)
	require.True(t, ok)

	require.Equal(t, model.SourceEstimated2, p.Source)
	require.Less(t, p.Latitude, 0.0)
	require.Greater(t, m.Latitude, 0.0)
	require.InDelta(t, 0.0005, p.Longitude, 1e-9)
	require.InDelta(t, 32.0, p.Accuracy, 1e-9)
	require.Len(t, p.Anchors, 2)
	require.Equal(t, "A", p.Anchors[0].PeerID)
	require.Equal(t, 80.0, p.Anchors[1].Distance)

	a := anchor("A", 0, 0)
	require.InDelta(t, 80.0, planarDistance(a, 0, 0, p.Latitude, p.Longitude), 1e-6)

	e.UpsertAnchor(anchor("A", 0, 0))
	again, _ := e.Position(plus)
	require.Equal(t, p, again)
}

func TestTwoAnchorsWithoutIntersectionFallBackToWeightedPoint(t *testing.T) {
	e := NewEstimator(Config{})
	e.UpsertAnchor(anchor("A", 0, 0))
	e.UpsertAnchor(anchor("B", 0, 0.001))

	e.UpsertReport(report("far", reading("A", 10), reading("B", 30)))
	pos, ok := e.Position("far")
	require.True(t, ok)
	require.Equal(t, model.SourceEstimated2, pos.Source)
	require.InDelta(t, 0.00025, pos.Longitude, 1e-12)
	require.InDelta(t, 0.0, pos.Latitude, 1e-12)

	e.UpsertReport(report("inside", reading("A", 500), reading("B", 10)))
	pos, ok = e.Position("inside")
	require.True(t, ok)
	require.InDelta(t, 0.001*500/510, pos.Longitude, 1e-12)
}

func TestSingleAnchorRing(t *testing.T) {
	a := anchor("A", 48.85, 2.35)
	e := NewEstimator(Config{})
	e.UpsertAnchor(a)
	e.UpsertReport(report("r", reading("A", 25), reading("ghost", 10)))

	pos, ok := e.Position("r")
	require.True(t, ok)
	require.Equal(t, model.SourceEstimated1, pos.Source)
	require.InDelta(t, 12.5, pos.Accuracy, 1e-9)
	require.InDelta(t, 25.0, planarDistance(a, a.Latitude, a.Longitude, pos.Latitude, pos.Longitude), 1e-6)
	require.Equal(t, []model.AnchorRef{{PeerID: "A", Latitude: 48.85, Longitude: 2.35, Distance: 25}}, pos.Anchors)

	wantLat, wantLng := ring(circle{lat: a.Latitude, lng: a.Longitude, r: 25}, ringAngle("r"))
	require.Equal(t, wantLat, pos.Latitude)
	require.Equal(t, wantLng, pos.Longitude)
}

func TestNoAnchorsNoPosition(t *testing.T) {
	e := NewEstimator(Config{})
	e.UpsertReport(report("r", reading("nobody", 10)))
	_, ok := e.Position("r")
	require.False(t, ok)

	e.UpsertReport(report("q"))
	require.Empty(t, e.Positions())
}

func TestDuplicateAndSelfReadingsAreIgnored(t *testing.T) {
	e := NewEstimator(Config{})
	e.UpsertAnchor(anchor("A", 0, 0))
	e.UpsertAnchor(anchor("B", 0, 0.001))
	e.UpsertReport(report("r", reading("A", 30), reading("A", 60), reading("r", 5)))

	pos, ok := e.Position("r")
	require.True(t, ok)
	require.Equal(t, model.SourceEstimated1, pos.Source)
	require.Equal(t, 30.0, pos.Anchors[0].Distance)
}

func TestAnchorReporterIsNeverDerived(t *testing.T) {
	e := NewEstimator(Config{})
	e.UpsertAnchor(anchor("A", 0, 0))
	e.UpsertAnchor(anchor("B", 0, 0.001))
	e.UpsertReport(report("A", reading("B", 40)))

	pos, ok := e.Position("A")
	require.True(t, ok)
	require.Equal(t, model.SourceGPS, pos.Source)
	require.True(t, pos.IsAnchor)
}

func TestSelfAnchor(t *testing.T) {
	e := NewEstimator(Config{})
	me := anchor("me", 1, 1)
	e.SetSelf(&me)
	e.UpsertReport(report("me", reading("x", 3)))
	e.UpsertReport(report("r", reading("me", 20)))

	pos, ok := e.Position("me")
	require.True(t, ok)
	require.True(t, pos.IsAnchor)

	r, ok := e.Position("r")
	require.True(t, ok)
	require.Equal(t, model.SourceEstimated1, r.Source)
	require.Len(t, e.Anchors(), 1)

	e.SetSelf(nil)
	_, ok = e.Position("me")
	require.False(t, ok)
	_, ok = e.Position("r")
	require.False(t, ok)
}

func TestRemovePeerAndReset(t *testing.T) {
	e := NewEstimator(Config{})
	e.UpsertAnchor(anchor("A", 0, 0))
	e.UpsertReport(report("r", reading("A", 20)))
	require.Len(t, e.Positions(), 2)

	require.True(t, e.RemovePeer("A"))
	require.False(t, e.RemovePeer("A"))
	require.Empty(t, e.Positions())

	e.UpsertAnchor(anchor("A", 0, 0))
	require.Len(t, e.Positions(), 2)
	e.Reset()
	require.Empty(t, e.Positions())
	require.Empty(t, e.Anchors())
}

func TestExpire(t *testing.T) {
	e := NewEstimator(Config{})
	e.UpsertAnchor(anchor("A", 0, 0))
	require.False(t, e.Expire(ts.Add(time.Hour)))
	require.Len(t, e.Positions(), 1)

	e = NewEstimator(Config{StaleAfter: 30 * time.Second})
	e.UpsertAnchor(anchor("A", 0, 0))
	fresh := anchor("B", 0, 0.001)
	fresh.Timestamp = ts.Add(time.Minute)
	e.UpsertAnchor(fresh)
	e.UpsertReport(report("r", reading("A", 20), reading("B", 20)))

	require.True(t, e.Expire(ts.Add(70*time.Second)))
	positions := e.Positions()
	require.Len(t, positions, 1)
	require.Equal(t, "B", positions[0].PeerID)
}

func TestComputeIsIdempotent(t *testing.T) {
	anchors := map[string]model.AnchorRecord{
		"A": anchor("A", 0, 0),
		"B": anchor("B", 0, 0.001),
		"C": anchor("C", 0.001, 0),
	}
	reports := map[string]model.ProximityReport{
		"r1": report("r1", reading("A", 40), reading("B", 90), reading("C", 70)),
		"r2": report("r2", reading("A", 60), reading("B", 70)),
		"r3": report("r3", reading("C", 15)),
	}

	first := Compute(anchors, reports)
	second := Compute(anchors, reports)
	require.Equal(t, first, second)
	require.Len(t, first, 6)
}

func TestInputsAreNotAliased(t *testing.T) {
	e := NewEstimator(Config{})
	e.UpsertAnchor(anchor("A", 0, 0))
	r := report("r", reading("A", 20))
	e.UpsertReport(r)
	r.Readings[0].Distance = 99

	pos, _ := e.Position("r")
	require.Equal(t, 20.0, pos.Anchors[0].Distance)
}
