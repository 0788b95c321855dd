package harvest

import (
	"fmt"
	"strings"
)

// SelectBy controls how a dimension value is matched against a select control.
type SelectBy string

// Supported selection modes.
const (
	SelectByIndex SelectBy = "index"
	SelectByText  SelectBy = "text"
	SelectByValue SelectBy = "value"
)

// Valid reports whether the mode is known.
func (s SelectBy) Valid() bool {
	switch s {
	case SelectByIndex, SelectByText, SelectByValue:
		return true
	default:
		return false
	}
}

// Dimension is one axis of the query space. Values are visited in order and the
// position of the dimension in a sweep defines its nesting level.
type Dimension struct {
	Name     string   `mapstructure:"name"`
	Control  string   `mapstructure:"control"`
	SelectBy SelectBy `mapstructure:"select_by"`
	Values   []string `mapstructure:"values"`
}

// Coordinate pins a single dimension to a value.
type Coordinate struct {
	Dimension string
	Value     string
}

// ParameterPoint identifies one portal query. It is immutable; accessors return copies.
type ParameterPoint struct {
	coords []Coordinate
}

// NewParameterPoint builds a point from coordinates in sweep order.
func NewParameterPoint(coords ...Coordinate) ParameterPoint {
	return ParameterPoint{coords: append([]Coordinate(nil), coords...)}
}

// Coordinates returns the point's coordinates in sweep order.
func (p ParameterPoint) Coordinates() []Coordinate {
	return append([]Coordinate(nil), p.coords...)
}

// Value returns the value bound to dim.
func (p ParameterPoint) Value(dim string) (string, bool) {
	for _, c := range p.coords {
		if c.Dimension == dim {
			return c.Value, true
		}
	}
	return "", false
}

// Key serializes every coordinate; it is unique per point within a sweep.
func (p ParameterPoint) Key() string {
	parts := make([]string, 0, len(p.coords))
	for _, c := range p.coords {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Dimension, c.Value))
	}
	return strings.Join(parts, "|")
}

// Suffix joins the values of every dimension not listed in exclude, e.g. "2024_August".
func (p ParameterPoint) Suffix(exclude ...string) string {
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	parts := make([]string, 0, len(p.coords))
	for _, c := range p.coords {
		if _, ok := skip[c.Dimension]; ok {
			continue
		}
		parts = append(parts, c.Value)
	}
	return strings.Join(parts, "_")
}

// String implements fmt.Stringer.
func (p ParameterPoint) String() string {
	return p.Key()
}

// ExtractedTable holds the text cells of one rendered table in document order.
// Header is set when the first row was read from th cells.
type ExtractedTable struct {
	Index  int
	Rows   [][]string
	Header bool
}

// Empty reports whether the table produced no rows.
func (t ExtractedTable) Empty() bool {
	return len(t.Rows) == 0
}

// PresetAction is the interaction a Preset performs.
type PresetAction string

// Supported preset actions.
const (
	PresetClick  PresetAction = "click"
	PresetSelect PresetAction = "select"
)

// Preset is a fixed control interaction applied after the entity is selected,
// such as picking a code granularity or a value/quantity radio button.
type Preset struct {
	Control  string       `mapstructure:"control"`
	Action   PresetAction `mapstructure:"action"`
	SelectBy SelectBy     `mapstructure:"select_by"`
	Value    string       `mapstructure:"value"`
}

// RowPolicy selects which cells of a table row are extracted.
type RowPolicy string

// Supported row policies.
const (
	// RowData keeps td cells.
	RowData RowPolicy = "data"
	// RowHeader keeps th cells.
	RowHeader RowPolicy = "header"
	// RowHeaderThenData keeps th cells, falling back to td when a row has none.
	RowHeaderThenData RowPolicy = "header-then-data"
)

// Valid reports whether the policy is known.
func (p RowPolicy) Valid() bool {
	switch p {
	case RowData, RowHeader, RowHeaderThenData:
		return true
	default:
		return false
	}
}
