package annotation

import (
	"fmt"
	"math"
)

// Point is a location in base-image pixel space.
type Point struct {
	X, Y float64
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Polygon is an immutable labeled region outline.
type Polygon struct {
	label  Label
	points []Point
	bounds Bounds
}

// NewPolygon builds a polygon from at least three finite points. The
// label must be Healthy or Tumor.
func NewPolygon(label Label, points []Point) (Polygon, error) {
	if label != Healthy && label != Tumor {
		return Polygon{}, fmt.Errorf("polygon label must be healthy or tumor, got %s", label)
	}
	if len(points) < 3 {
		return Polygon{}, fmt.Errorf("polygon needs at least 3 points, got %d", len(points))
	}

	pts := make([]Point, len(points))
	copy(pts, points)

	b := Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return Polygon{}, fmt.Errorf("polygon point (%v, %v) is not finite", p.X, p.Y)
		}
		b.MinX = math.Min(b.MinX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}

	return Polygon{label: label, points: pts, bounds: b}, nil
}

// Label returns the region label.
func (p Polygon) Label() Label {
	return p.label
}

// Points returns a copy of the outline.
func (p Polygon) Points() []Point {
	out := make([]Point, len(p.points))
	copy(out, p.points)
	return out
}

// Bounds returns the bounding box of the outline.
func (p Polygon) Bounds() Bounds {
	return p.bounds
}

// Contains reports whether pt lies inside the polygon using the crossing
// number rule. The rule is half-open: for an axis-aligned edge, points on
// the minimum-x and minimum-y edges are inside and points on the maximum-x
// and maximum-y edges are outside, so regions that share an edge never
// both claim a point.
func (p Polygon) Contains(pt Point) bool {
	b := p.bounds
	if pt.X < b.MinX || pt.X >= b.MaxX || pt.Y < b.MinY || pt.Y >= b.MaxY {
		return false
	}

	inside := false
	n := len(p.points)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, c := p.points[i], p.points[j]
		if (a.Y > pt.Y) != (c.Y > pt.Y) {
			xCross := (c.X-a.X)*(pt.Y-a.Y)/(c.Y-a.Y) + a.X
			if pt.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}
