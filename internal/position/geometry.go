package position

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

const (
	metersPerDegree = 111320.0
	collinearEps    = 1e-4
)

// circle is an anchor location with the reporter's distance to it in meters.
type circle struct {
	lat, lng, r float64
}

// plane is an equirectangular local frame centered on an origin.
type plane struct {
	lat0, lng0 float64
	kx, ky     float64
}

func newPlane(lat0, lng0 float64) plane {
	return plane{
		lat0: lat0,
		lng0: lng0,
		kx:   metersPerDegree * math.Cos(lat0*math.Pi/180),
		ky:   metersPerDegree,
	}
}

func (p plane) toXY(lat, lng float64) (x, y float64) {
	return (lng - p.lng0) * p.kx, (lat - p.lat0) * p.ky
}

func (p plane) toLatLng(x, y float64) (lat, lng float64) {
	return p.lat0 + y/p.ky, p.lng0 + x/p.kx
}

// trilaterate solves the first three circles in the plane of the first one.
// It fails when the anchors are collinear.
func trilaterate(cs []circle) (lat, lng float64, ok bool) {
	if len(cs) < 3 {
		return 0, 0, false
	}

	p := newPlane(cs[0].lat, cs[0].lng)
	x1, y1 := p.toXY(cs[0].lat, cs[0].lng)
	x2, y2 := p.toXY(cs[1].lat, cs[1].lng)
	x3, y3 := p.toXY(cs[2].lat, cs[2].lng)
	r1, r2, r3 := cs[0].r, cs[1].r, cs[2].r

	a := 2*x2 - 2*x1
	b := 2*y2 - 2*y1
	c := r1*r1 - r2*r2 - x1*x1 + x2*x2 - y1*y1 + y2*y2
	d := 2*x3 - 2*x2
	e := 2*y3 - 2*y2
	f := r2*r2 - r3*r3 - x2*x2 + x3*x3 - y2*y2 + y3*y3

	det := a*e - b*d
	if math.Abs(det) < collinearEps {
		return 0, 0, false
	}

	x := (c*e - f*b) / det
	y := (a*f - c*d) / det
	lat, lng = p.toLatLng(x, y)
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return 0, 0, false
	}
	return lat, lng, true
}

// intersect returns one intersection of two circles, chosen by side (+1 or -1).
// Circles that do not meet collapse to the radius-weighted point between the centers.
func intersect(c1, c2 circle, side int) (lat, lng float64) {
	p := newPlane(c1.lat, c1.lng)
	x2, y2 := p.toXY(c2.lat, c2.lng)
	r1, r2 := c1.r, c2.r
	d := math.Hypot(x2, y2)

	if d == 0 || d > r1+r2 || d < math.Abs(r1-r2) {
		ratio := 0.5
		if r1+r2 > 0 {
			ratio = r1 / (r1 + r2)
		}
		return c1.lat + (c2.lat-c1.lat)*ratio, c1.lng + (c2.lng-c1.lng)*ratio
	}

	a := (r1*r1 - r2*r2 + d*d) / (2 * d)
	h := math.Sqrt(math.Max(0, r1*r1-a*a))
	px := a * x2 / d
	py := a * y2 / d

	s := float64(side)
	ix := px + s*h*y2/d
	iy := py - s*h*x2/d
	return p.toLatLng(ix, iy)
}

// ring places a point at distance c.r from the anchor at the given bearing in radians.
func ring(c circle, angle float64) (lat, lng float64) {
	p := newPlane(c.lat, c.lng)
	return p.toLatLng(c.r*math.Sin(angle), c.r*math.Cos(angle))
}

// peerHash is the only source of id-derived choices so they stay stable across ticks.
func peerHash(peerID string) uint64 {
	return xxhash.Sum64String(peerID)
}

// intersectionSide picks which of two circle intersections a peer renders on.
func intersectionSide(peerID string) int {
	if peerHash(peerID)&1 == 0 {
		return 1
	}
	return -1
}

// ringAngle picks a peer's bearing around a single anchor, in [0, 2π).
func ringAngle(peerID string) float64 {
	return float64(peerHash(peerID)>>11) / (1 << 53) * 2 * math.Pi
}
