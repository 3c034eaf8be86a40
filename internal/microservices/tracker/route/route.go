// Package route maps a progress fraction onto a fixed rider route.
package route

import (
	"errors"
	"fmt"
	"math"

	"delivery-tracker/internal/domain"
)

// WobbleFraction caps the perpendicular wobble relative to the larger side of
// the route's bounding box.
const WobbleFraction = 0.0375

// wobbleCycles is the number of half periods of the wobble over the route.
const wobbleCycles = 3

var ErrTooFewPoints = errors.New("route needs at least two points")

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Dist(q Point) float64 { return math.Hypot(q.X-p.X, q.Y-p.Y) }

// Route is an immutable polyline from the restaurant (progress 0) to the
// destination (progress 1).
type Route struct {
	name      string
	points    []Point
	cum       []float64 // cumulative arc length at each point
	length    float64
	amplitude float64
	normal    Point
}

// New builds a route from at least two control points.
func New(name string, points ...Point) (*Route, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("route %q: %w", name, ErrTooFewPoints)
	}
	for i, p := range points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return nil, fmt.Errorf("route %q: point %d is not finite", name, i)
		}
	}
	r := &Route{
		name:   name,
		points: append([]Point(nil), points...),
		cum:    make([]float64, len(points)),
	}
	for i := 1; i < len(points); i++ {
		r.cum[i] = r.cum[i-1] + points[i-1].Dist(points[i])
	}
	r.length = r.cum[len(points)-1]

	minX, minY, maxX, maxY := points[0].X, points[0].Y, points[0].X, points[0].Y
	for _, p := range points[1:] {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	r.amplitude = WobbleFraction * math.Max(maxX-minX, maxY-minY)

	// The wobble runs along the chord normal so that it stays continuous
	// across polyline vertices.
	start, end := r.Start(), r.End()
	dx, dy := end.X-start.X, end.Y-start.Y
	if chord := math.Hypot(dx, dy); chord > 0 {
		r.normal = Point{X: -dy / chord, Y: dx / chord}
	} else {
		r.normal = Point{X: 0, Y: 1}
	}
	return r, nil
}

// Default is the city route drawn by the tracking map.
func Default() *Route {
	r, err := New("city",
		Point{60, 280}, Point{130, 230}, Point{200, 180}, Point{280, 140},
		Point{330, 90}, Point{400, 70}, Point{460, 55},
	)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Route) Name() string { return r.name }

func (r *Route) Start() Point { return r.points[0] }

func (r *Route) End() Point { return r.points[len(r.points)-1] }

func (r *Route) Points() []Point { return append([]Point(nil), r.points...) }

func (r *Route) Length() float64 { return r.length }

// Amplitude is the largest wobble offset the route can produce.
func (r *Route) Amplitude() float64 { return r.amplitude }

// Wobble is the signed perpendicular offset at progress p. It vanishes at
// both endpoints.
func (r *Route) Wobble(p float64) float64 {
	p = domain.ClampProgress(p)
	if p == 0 || p == 1 {
		return 0
	}
	return r.amplitude * math.Sin(p*math.Pi*wobbleCycles)
}

// Position returns the rider position at progress p. Out of range values are
// clamped; the endpoints are returned exactly.
func (r *Route) Position(p float64) Point {
	p = domain.ClampProgress(p)
	switch p {
	case 0:
		return r.Start()
	case 1:
		return r.End()
	}
	base := r.along(p * r.length)
	w := r.Wobble(p)
	return Point{X: base.X + w*r.normal.X, Y: base.Y + w*r.normal.Y}
}

// along walks the polyline to arc length d.
func (r *Route) along(d float64) Point {
	if r.length == 0 {
		return r.Start()
	}
	for i := 1; i < len(r.points); i++ {
		if d > r.cum[i] && i < len(r.points)-1 {
			continue
		}
		seg := r.cum[i] - r.cum[i-1]
		if seg == 0 {
			return r.points[i]
		}
		t := (d - r.cum[i-1]) / seg
		a, b := r.points[i-1], r.points[i]
		return Point{X: a.X + (b.X-a.X)*t, Y: a.Y + (b.Y-a.Y)*t}
	}
	return r.End()
}
