package harvest

import "fmt"

// Entry is the successful extraction for one parameter point.
type Entry struct {
	Point ParameterPoint
	// Labels maps dimension name to the visible text of the selected option.
	Labels map[string]string
	Tables []ExtractedTable
}

// Label returns the visible label for dim, falling back to the raw value.
func (e Entry) Label(dim string) string {
	if label, ok := e.Labels[dim]; ok && label != "" {
		return label
	}
	value, _ := e.Point.Value(dim)
	return value
}

// RawDataset accumulates extraction results in sweep order. Entries are
// write-once; the owner is the sweep driver until the sweep returns.
type RawDataset struct {
	entries []Entry
	index   map[string]int
}

// NewRawDataset returns an empty dataset.
func NewRawDataset() *RawDataset {
	return &RawDataset{index: make(map[string]int)}
}

// Add records an entry. A second entry for the same point is rejected.
func (d *RawDataset) Add(entry Entry) error {
	key := entry.Point.Key()
	if _, ok := d.index[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePoint, key)
	}
	d.index[key] = len(d.entries)
	d.entries = append(d.entries, entry)
	return nil
}

// Len returns the number of recorded points.
func (d *RawDataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Get returns the entry recorded for point.
func (d *RawDataset) Get(point ParameterPoint) (Entry, bool) {
	if d == nil {
		return Entry{}, false
	}
	idx, ok := d.index[point.Key()]
	if !ok {
		return Entry{}, false
	}
	return d.entries[idx], true
}

// Entries returns the entries in insertion order.
func (d *RawDataset) Entries() []Entry {
	if d == nil {
		return nil
	}
	return append([]Entry(nil), d.entries...)
}

// EntityGroup is the slice of a dataset that belongs to one entity.
type EntityGroup struct {
	Value   string
	Label   string
	Entries []Entry
}

// GroupBy partitions entries by the value of dim, preserving first-seen order.
// Entries without the dimension are ignored.
func (d *RawDataset) GroupBy(dim string) []EntityGroup {
	if d == nil {
		return nil
	}
	var groups []EntityGroup
	pos := make(map[string]int)
	for _, e := range d.entries {
		value, ok := e.Point.Value(dim)
		if !ok {
			continue
		}
		idx, seen := pos[value]
		if !seen {
			idx = len(groups)
			pos[value] = idx
			groups = append(groups, EntityGroup{Value: value, Label: e.Label(dim)})
		}
		groups[idx].Entries = append(groups[idx].Entries, e)
	}
	return groups
}
