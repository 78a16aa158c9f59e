package pyramid

import (
	"fmt"
	"strconv"
	"strings"
)

// TileAddress identifies one tile by level, column and row.
type TileAddress struct {
	Level  int
	Column int
	Row    int
}

// Key returns the canonical "{level}_{column}_{row}" form used as the
// heatmap key.
func (a TileAddress) Key() string {
	return strconv.Itoa(a.Level) + "_" + strconv.Itoa(a.Column) + "_" + strconv.Itoa(a.Row)
}

func (a TileAddress) String() string {
	return a.Key()
}

// ParseKey parses a canonical tile key. Signs, leading zeros and other
// spellings that Key would not produce are rejected. It does not check the
// address against any grid.
func ParseKey(key string) (TileAddress, error) {
	parts := strings.Split(key, "_")
	if len(parts) != 3 {
		return TileAddress{}, fmt.Errorf("invalid tile key %q", key)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return TileAddress{}, fmt.Errorf("invalid tile key %q", key)
		}
		vals[i] = v
	}
	addr := TileAddress{Level: vals[0], Column: vals[1], Row: vals[2]}
	if addr.Key() != key {
		return TileAddress{}, fmt.Errorf("non-canonical tile key %q", key)
	}
	return addr, nil
}
