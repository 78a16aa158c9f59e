// Package heatmap scans a pyramid level against an annotation set and
// collects one value per labeled tile.
package heatmap

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/slidemap/server/internal/pyramid"
)

// DefaultPrecision is the number of decimals kept when a map is encoded.
const DefaultPrecision = 4

// Map is the flat result document: canonical tile key to a value in [0,1].
type Map map[string]float64

// Set stores v for addr.
func (m Map) Set(addr pyramid.TileAddress, v float64) {
	m[addr.Key()] = v
}

// Get returns the value stored for addr.
func (m Map) Get(addr pyramid.TileAddress) (float64, bool) {
	v, ok := m[addr.Key()]
	return v, ok
}

// Keys returns the keys in row-major tile order.
func (m Map) Keys() []string {
	type entry struct {
		key  string
		addr pyramid.TileAddress
	}
	entries := make([]entry, 0, len(m))
	for k := range m {
		addr, err := pyramid.ParseKey(k)
		if err != nil {
			addr = pyramid.TileAddress{Level: math.MaxInt32}
		}
		entries = append(entries, entry{k, addr})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].addr, entries[j].addr
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return entries[i].key < entries[j].key
	})
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}

// Merge copies every entry of other into m.
func (m Map) Merge(other Map) {
	for k, v := range other {
		m[k] = v
	}
}

// Rounded returns a copy with every value rounded to precision decimals.
// A negative precision keeps full precision.
func (m Map) Rounded(precision int) Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = Round(v, precision)
	}
	return out
}

// Round rounds v half away from zero to precision decimals.
func Round(v float64, precision int) float64 {
	if precision < 0 {
		return v
	}
	scale := math.Pow(10, float64(precision))
	return math.Round(v*scale) / scale
}

// Encode writes m as a JSON object with values rounded to precision.
func Encode(w io.Writer, m Map, precision int) error {
	return json.NewEncoder(w).Encode(m.Rounded(precision))
}

// Decode reads a JSON result document. Every key must be a canonical tile
// key and every value must lie in [0,1].
func Decode(r io.Reader) (Map, error) {
	var m Map
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode heatmap: %w", err)
	}
	if m == nil {
		m = Map{}
	}
	for k, v := range m {
		if _, err := pyramid.ParseKey(k); err != nil {
			return nil, fmt.Errorf("invalid heatmap key %q: %w", k, err)
		}
		if !ValidValue(v) {
			return nil, fmt.Errorf("heatmap value %v for %s outside [0,1]", v, k)
		}
	}
	return m, nil
}

// ValidValue reports whether v may be stored in a Map.
func ValidValue(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
