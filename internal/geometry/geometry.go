// Package geometry implements the planar primitives used to score vehicle
// boxes against parking slot polygons. All functions are pure and safe for
// concurrent use.
package geometry

import (
	"errors"
	"math"
)

var ErrDegeneratePolygon = errors.New("degenerate polygon")

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned rectangle in pixel space.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type Polygon []Point

func (b Box) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

func (b Box) Width() float64 {
	return b.X2 - b.X1
}

func (b Box) Height() float64 {
	return b.Y2 - b.Y1
}

// Area returns 0 for boxes that are not Valid.
func (b Box) Area() float64 {
	if !b.Valid() {
		return 0
	}
	return b.Width() * b.Height()
}

func (b Box) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Polygon returns the box corners in counter-clockwise order (y axis up).
func (b Box) Polygon() Polygon {
	return Polygon{
		{X: b.X1, Y: b.Y1},
		{X: b.X2, Y: b.Y1},
		{X: b.X2, Y: b.Y2},
		{X: b.X1, Y: b.Y2},
	}
}

func (b Box) overlaps(o Box) bool {
	return b.X1 < o.X2 && o.X1 < b.X2 && b.Y1 < o.Y2 && o.Y1 < b.Y2
}

// Bounds returns the axis-aligned bounding box of p. The result is not Valid
// when p is empty or collapses to a line.
func (p Polygon) Bounds() Box {
	if len(p) == 0 {
		return Box{}
	}
	b := Box{X1: p[0].X, Y1: p[0].Y, X2: p[0].X, Y2: p[0].Y}
	for _, pt := range p[1:] {
		b.X1 = math.Min(b.X1, pt.X)
		b.Y1 = math.Min(b.Y1, pt.Y)
		b.X2 = math.Max(b.X2, pt.X)
		b.Y2 = math.Max(b.Y2, pt.Y)
	}
	return b
}

// Centroid returns the area centroid, or the vertex mean when p has no area.
func (p Polygon) Centroid() Point {
	if len(p) == 0 {
		return Point{}
	}
	a := SignedArea(p)
	if a == 0 {
		var c Point
		for _, pt := range p {
			c.X += pt.X
			c.Y += pt.Y
		}
		n := float64(len(p))
		return Point{X: c.X / n, Y: c.Y / n}
	}
	var cx, cy float64
	for i := range p {
		j := (i + 1) % len(p)
		f := p[i].X*p[j].Y - p[j].X*p[i].Y
		cx += (p[i].X + p[j].X) * f
		cy += (p[i].Y + p[j].Y) * f
	}
	return Point{X: cx / (6 * a), Y: cy / (6 * a)}
}

// Clean drops consecutive duplicate vertices and a closing vertex that
// repeats the first one. The input is not modified.
func (p Polygon) Clean() Polygon {
	out := make(Polygon, 0, len(p))
	for _, pt := range p {
		if len(out) > 0 && out[len(out)-1] == pt {
			continue
		}
		out = append(out, pt)
	}
	for len(out) > 1 && out[0] == out[len(out)-1] {
		out = out[:len(out)-1]
	}
	return out
}

func (p Polygon) distinctVertices() int {
	seen := make(map[Point]struct{}, len(p))
	for _, pt := range p {
		seen[pt] = struct{}{}
	}
	return len(seen)
}

// SignedArea is the shoelace sum halved. Positive for counter-clockwise
// vertex order in a y-up frame, which is clockwise on screen.
func SignedArea(p Polygon) float64 {
	n := len(p)
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	return sum / 2
}

// Area returns the unsigned polygon area.
func Area(p Polygon) (float64, error) {
	if p.distinctVertices() < 3 {
		return 0, ErrDegeneratePolygon
	}
	a := math.Abs(SignedArea(p))
	if a == 0 {
		return 0, ErrDegeneratePolygon
	}
	return a, nil
}

// ValidatePolygon checks the slot invariants: at least three distinct
// vertices, non-zero area and no crossing between non-adjacent edges.
func ValidatePolygon(p Polygon) error {
	if len(p) < 3 {
		return errors.New("polygon needs at least 3 vertices")
	}
	if p.distinctVertices() < 3 {
		return errors.New("polygon needs at least 3 distinct vertices")
	}
	if SignedArea(p) == 0 {
		return errors.New("polygon has zero area")
	}
	if selfIntersects(p) {
		return errors.New("polygon edges intersect")
	}
	return nil
}

func selfIntersects(p Polygon) bool {
	n := len(p)
	for i := 0; i < n; i++ {
		a1, a2 := p[i], p[(i+1)%n]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			b1, b2 := p[j], p[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

func onSegment(a, b, c Point) bool {
	return math.Min(a.X, b.X) <= c.X && c.X <= math.Max(a.X, b.X) &&
		math.Min(a.Y, b.Y) <= c.Y && c.Y <= math.Max(a.Y, b.Y)
}

func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

// PointInPolygon uses ray casting. Points on an edge or vertex may resolve
// either way, but always the same way for the same input.
func PointInPolygon(pt Point, p Polygon) bool {
	n := len(p)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := p[i], p[j]
		if (pi.Y > pt.Y) != (pj.Y > pt.Y) {
			xCross := (pj.X-pi.X)*(pt.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if pt.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// Intersects reports whether b and p share a region of positive area.
// Touching boundaries do not count.
func Intersects(b Box, p Polygon) bool {
	if !b.Valid() || len(p) < 3 {
		return false
	}
	if !b.overlaps(p.Bounds()) {
		return false
	}
	return IntersectionArea(b, p) > 0
}

// IntersectionArea clips p against the four half-planes of b
// (Sutherland-Hodgman) and returns the area of what remains. The subject
// polygon may be concave; the clip region is always convex.
func IntersectionArea(b Box, p Polygon) float64 {
	if !b.Valid() || len(p) < 3 {
		return 0
	}
	if !b.overlaps(p.Bounds()) {
		return 0
	}

	out := clip(p, func(pt Point) bool { return pt.X >= b.X1 }, func(a, c Point) Point { return atX(a, c, b.X1) })
	out = clip(out, func(pt Point) bool { return pt.X <= b.X2 }, func(a, c Point) Point { return atX(a, c, b.X2) })
	out = clip(out, func(pt Point) bool { return pt.Y >= b.Y1 }, func(a, c Point) Point { return atY(a, c, b.Y1) })
	out = clip(out, func(pt Point) bool { return pt.Y <= b.Y2 }, func(a, c Point) Point { return atY(a, c, b.Y2) })

	if len(out) < 3 {
		return 0
	}
	return math.Abs(SignedArea(out))
}

func clip(subject Polygon, inside func(Point) bool, intersect func(a, b Point) Point) Polygon {
	n := len(subject)
	if n == 0 {
		return nil
	}
	out := make(Polygon, 0, n+4)
	prev := subject[n-1]
	prevIn := inside(prev)
	for _, cur := range subject {
		curIn := inside(cur)
		if curIn {
			if !prevIn {
				out = append(out, intersect(prev, cur))
			}
			out = append(out, cur)
		} else if prevIn {
			out = append(out, intersect(prev, cur))
		}
		prev, prevIn = cur, curIn
	}
	return out
}

func atX(a, b Point, x float64) Point {
	t := (x - a.X) / (b.X - a.X)
	return Point{X: x, Y: a.Y + t*(b.Y-a.Y)}
}

func atY(a, b Point, y float64) Point {
	t := (y - a.Y) / (b.Y - a.Y)
	return Point{X: a.X + t*(b.X-a.X), Y: y}
}

// UnionArea returns area(b) + area(p) - intersection. A degenerate polygon
// contributes zero area.
func UnionArea(b Box, p Polygon) float64 {
	pa, err := Area(p)
	if err != nil {
		pa = 0
	}
	return b.Area() + pa - IntersectionArea(b, p)
}

// IoU is intersection over union, in [0, 1]. Degenerate inputs score 0.
func IoU(b Box, p Polygon) float64 {
	if !b.Valid() {
		return 0
	}
	pa, err := Area(p)
	if err != nil {
		return 0
	}
	inter := IntersectionArea(b, p)
	if inter <= 0 {
		return 0
	}
	union := b.Area() + pa - inter
	if union <= 0 {
		return 0
	}
	v := inter / union
	if v > 1 {
		return 1
	}
	return v
}
