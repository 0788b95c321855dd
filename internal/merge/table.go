package merge

import (
	"fmt"
	"slices"
)

// Record is one row of a WideTable. Absent columns are null.
type Record struct {
	Key     string
	Values  map[string]string
	Flagged bool
}

// WideTable maps keys to records over a column list that only grows.
type WideTable struct {
	keyColumn string
	columns   []string
	colSet    map[string]struct{}
	records   map[string]*Record
}

// NewWideTable returns an empty table keyed by keyColumn.
func NewWideTable(keyColumn string) *WideTable {
	return &WideTable{
		keyColumn: keyColumn,
		colSet:    make(map[string]struct{}),
		records:   make(map[string]*Record),
	}
}

// KeyColumn returns the key column name.
func (t *WideTable) KeyColumn() string { return t.keyColumn }

// Columns returns the data columns in order.
func (t *WideTable) Columns() []string { return slices.Clone(t.columns) }

// Len returns the number of records.
func (t *WideTable) Len() int { return len(t.records) }

// HasColumn reports whether name is a data column.
func (t *WideTable) HasColumn(name string) bool {
	_, ok := t.colSet[name]
	return ok
}

// AddColumn appends name unless it already exists.
func (t *WideTable) AddColumn(name string) {
	if t.HasColumn(name) || name == t.keyColumn {
		return
	}
	t.colSet[name] = struct{}{}
	t.columns = append(t.columns, name)
}

// Ensure returns the record for key, creating an empty one if needed.
func (t *WideTable) Ensure(key string) *Record {
	rec, ok := t.records[key]
	if !ok {
		rec = &Record{Key: key, Values: make(map[string]string)}
		t.records[key] = rec
	}
	return rec
}

// Set stores a non-empty value, adding the column if needed. Empty values are nulls and ignored.
func (t *WideTable) Set(key, column, value string) {
	rec := t.Ensure(key)
	if value == "" {
		return
	}
	t.AddColumn(column)
	rec.Values[column] = value
}

// Flag marks key as carrying an unnormalized code.
func (t *WideTable) Flag(key string) {
	t.Ensure(key).Flagged = true
}

// Record returns a copy of the record for key.
func (t *WideTable) Record(key string) (Record, bool) {
	rec, ok := t.records[key]
	if !ok {
		return Record{}, false
	}
	values := make(map[string]string, len(rec.Values))
	for k, v := range rec.Values {
		values[k] = v
	}
	return Record{Key: rec.Key, Values: values, Flagged: rec.Flagged}, true
}

// Value returns the cell at key and column; ok is false for nulls.
func (t *WideTable) Value(key, column string) (string, bool) {
	rec, ok := t.records[key]
	if !ok {
		return "", false
	}
	v, ok := rec.Values[column]
	return v, ok
}

// Keys returns every key in ascending order.
func (t *WideTable) Keys() []string {
	keys := make([]string, 0, len(t.records))
	for k := range t.records {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Reorder moves the named columns to the front, in the given order. Names that
// are not columns are added.
func (t *WideTable) Reorder(first ...string) {
	front := make([]string, 0, len(first))
	seen := make(map[string]struct{}, len(first))
	for _, name := range first {
		if name == t.keyColumn {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		t.AddColumn(name)
		front = append(front, name)
	}
	rest := make([]string, 0, len(t.columns))
	for _, c := range t.columns {
		if _, ok := seen[c]; !ok {
			rest = append(rest, c)
		}
	}
	t.columns = append(front, rest...)
}

// Clone returns a deep copy.
func (t *WideTable) Clone() *WideTable {
	out := NewWideTable(t.keyColumn)
	for _, c := range t.columns {
		out.AddColumn(c)
	}
	for k, rec := range t.records {
		dst := out.Ensure(k)
		dst.Flagged = rec.Flagged
		for c, v := range rec.Values {
			dst.Values[c] = v
		}
	}
	return out
}

// OuterJoin returns a new table holding every key of left and right. Right
// columns that collide with left columns are renamed with "_"+suffix.
func OuterJoin(left, right *WideTable, suffix string) *WideTable {
	out := left.Clone()
	rename := make(map[string]string, len(right.columns))
	for _, c := range right.columns {
		name := c
		if out.HasColumn(name) {
			name = uniqueName(out, fmt.Sprintf("%s_%s", c, suffix))
		}
		rename[c] = name
		out.AddColumn(name)
	}
	for k, rec := range right.records {
		dst := out.Ensure(k)
		dst.Flagged = dst.Flagged || rec.Flagged
		for c, v := range rec.Values {
			dst.Values[rename[c]] = v
		}
	}
	return out
}

// Upsert returns base updated with fresh: base columns keep their order, new
// columns are appended, every key of either table is kept, and non-null fresh
// values replace base values.
func Upsert(base, fresh *WideTable) *WideTable {
	out := base.Clone()
	for _, c := range fresh.columns {
		out.AddColumn(c)
	}
	for k, rec := range fresh.records {
		dst := out.Ensure(k)
		dst.Flagged = dst.Flagged || rec.Flagged
		for c, v := range rec.Values {
			if v != "" {
				dst.Values[c] = v
			}
		}
	}
	return out
}

func uniqueName(t *WideTable, name string) string {
	candidate := name
	for i := 2; t.HasColumn(candidate) || candidate == t.keyColumn; i++ {
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
	return candidate
}
