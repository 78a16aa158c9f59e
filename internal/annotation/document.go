package annotation

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var (
	// ErrDocumentUnreadable indicates the annotation document could not be
	// opened or is not well-formed.
	ErrDocumentUnreadable = errors.New("annotation document unreadable")
	// ErrNoRegions indicates a document without any healthy or tumor region.
	ErrNoRegions = errors.New("no healthy or tumor regions in annotation document")
)

// Warning records a region that was dropped while parsing.
type Warning struct {
	Index       int    // position of the graphic in the document
	Description string
	Reason      string
}

func (w Warning) String() string {
	return fmt.Sprintf("region %d (%q): %s", w.Index, w.Description, w.Reason)
}

// Set is the ordered list of labeled polygons of one document. It is
// read-only after Parse returns and safe for concurrent use.
type Set struct {
	Polygons []Polygon
	Warnings []Warning
	Ignored  int // regions whose description resolved to Ignore
}

// Len returns the number of polygons.
func (s *Set) Len() int {
	return len(s.Polygons)
}

// Classify returns the label of the first polygon, in document order, that
// contains pt, or Ignore when no polygon does.
func (s *Set) Classify(pt Point) Label {
	for i := range s.Polygons {
		if s.Polygons[i].Contains(pt) {
			return s.Polygons[i].label
		}
	}
	return Ignore
}

// Counts returns the number of healthy and tumor polygons.
func (s *Set) Counts() (healthy, tumor int) {
	for _, p := range s.Polygons {
		if p.label == Healthy {
			healthy++
		} else {
			tumor++
		}
	}
	return healthy, tumor
}

// ParseFile parses the annotation document at path with DefaultRules.
func ParseFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v: %w", path, err, ErrDocumentUnreadable)
	}
	defer f.Close()
	return NewResolver().Parse(f)
}

// Parse parses a document with DefaultRules.
func Parse(r io.Reader) (*Set, error) {
	return NewResolver().Parse(r)
}

type graphic struct {
	index       int
	description string
	points      []Point
	badPoint    string
}

// Parse reads a Sedeen session document. Every "graphic" element is one
// region; its "description" attribute is resolved to a label and its
// descendant "point" elements ("x, y" in base pixels) form the outline.
// Malformed regions are dropped with a Warning. A document that is not
// well-formed XML fails with ErrDocumentUnreadable.
func (res *Resolver) Parse(r io.Reader) (*Set, error) {
	dec := xml.NewDecoder(r)
	set := &Set{}

	var cur *graphic
	depth := 0 // nesting depth inside the current graphic
	index := 0
	sawRoot := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrDocumentUnreadable)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			sawRoot = true
			switch {
			case t.Name.Local == "graphic" && cur == nil:
				cur = &graphic{index: index, description: attr(t, "description")}
				index++
				depth = 0
			case t.Name.Local == "point" && cur != nil:
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return nil, fmt.Errorf("%v: %w", err, ErrDocumentUnreadable)
				}
				if cur.badPoint != "" {
					continue
				}
				p, ok := parsePoint(text)
				if !ok {
					cur.badPoint = text
					continue
				}
				cur.points = append(cur.points, p)
				continue
			case cur != nil:
				depth++
			}
		case xml.EndElement:
			if cur == nil {
				continue
			}
			if depth > 0 {
				depth--
				continue
			}
			if t.Name.Local == "graphic" {
				res.finish(set, cur)
				cur = nil
			}
		}
	}

	if !sawRoot {
		return nil, fmt.Errorf("empty document: %w", ErrDocumentUnreadable)
	}
	return set, nil
}

func (res *Resolver) finish(set *Set, g *graphic) {
	label := res.Resolve(g.description)
	if label == Ignore {
		set.Ignored++
		return
	}
	if g.badPoint != "" {
		set.Warnings = append(set.Warnings, Warning{
			Index:       g.index,
			Description: g.description,
			Reason:      fmt.Sprintf("unparsable point %q", g.badPoint),
		})
		return
	}
	poly, err := NewPolygon(label, g.points)
	if err != nil {
		set.Warnings = append(set.Warnings, Warning{
			Index:       g.index,
			Description: g.description,
			Reason:      err.Error(),
		})
		return
	}
	set.Polygons = append(set.Polygons, poly)
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func parsePoint(text string) (Point, bool) {
	parts := strings.Split(text, ",")
	if len(parts) < 2 {
		return Point{}, false
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Point{}, false
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Point{}, false
	}
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return Point{}, false
	}
	return Point{X: x, Y: y}, true
}
