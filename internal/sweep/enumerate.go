// Package sweep walks the Cartesian product of the configured dimensions,
// running one retried portal query per parameter point.
package sweep

import (
	"fmt"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
)

// Enumerate returns every parameter point in nesting order: the first
// dimension varies slowest, the last fastest. It returns nil if any dimension
// has no values.
func Enumerate(dims []harvest.Dimension) []harvest.ParameterPoint {
	if len(dims) == 0 {
		return nil
	}
	total := 1
	for _, d := range dims {
		if len(d.Values) == 0 {
			return nil
		}
		total *= len(d.Values)
	}

	points := make([]harvest.ParameterPoint, 0, total)
	idx := make([]int, len(dims))
	coords := make([]harvest.Coordinate, len(dims))
	for {
		for i, d := range dims {
			coords[i] = harvest.Coordinate{Dimension: d.Name, Value: d.Values[idx[i]]}
		}
		points = append(points, harvest.NewParameterPoint(coords...))

		// odometer increment, last dimension fastest
		i := len(dims) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(dims[i].Values) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return points
		}
	}
}

// ValidateDimensions checks names are unique and every dimension is usable.
func ValidateDimensions(dims []harvest.Dimension) error {
	if len(dims) == 0 {
		return fmt.Errorf("at least one dimension is required")
	}
	seen := make(map[string]struct{}, len(dims))
	for i, d := range dims {
		if d.Name == "" {
			return fmt.Errorf("dimension %d: name is required", i)
		}
		if _, ok := seen[d.Name]; ok {
			return fmt.Errorf("dimension %q: duplicate name", d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Control == "" {
			return fmt.Errorf("dimension %q: control is required", d.Name)
		}
		if !d.SelectBy.Valid() {
			return fmt.Errorf("dimension %q: unknown select_by %q", d.Name, d.SelectBy)
		}
		if len(d.Values) == 0 {
			return fmt.Errorf("dimension %q: no values", d.Name)
		}
	}
	return nil
}
