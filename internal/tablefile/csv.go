package tablefile

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
	"github.com/JakeFAU/portal-harvester/internal/merge"
)

// ContentType is recorded on every CSV object written to a blob store.
const ContentType = "text/csv; charset=utf-8"

// ErrMissingColumn is returned when a required header column is absent.
var ErrMissingColumn = errors.New("tablefile: required column missing")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// WriteWideTable writes the key column followed by the data columns, one row per
// key in ascending order. Nulls are empty cells.
func WriteWideTable(w io.Writer, t *merge.WideTable) error {
	cw := csv.NewWriter(w)
	columns := t.Columns()
	header := append([]string{t.KeyColumn()}, columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(header))
	for _, key := range t.Keys() {
		row[0] = key
		for i, col := range columns {
			v, _ := t.Value(key, col)
			row[i+1] = v
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %s: %w", key, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// ReadWideTable parses a file written by WriteWideTable (or by hand). Keys are
// kept verbatim; the merge engine re-normalizes them. Every header column is
// kept even when all of its cells are empty.
func ReadWideTable(r io.Reader, keyColumn string) (*merge.WideTable, error) {
	records, err := readAll(r)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %q (empty file)", ErrMissingColumn, keyColumn)
	}
	header := records[0]
	keyIdx := indexOf(header, keyColumn)
	if keyIdx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, keyColumn)
	}
	t := merge.NewWideTable(keyColumn)
	for i, name := range header {
		if i != keyIdx {
			t.AddColumn(name)
		}
	}
	for _, rec := range records[1:] {
		if keyIdx >= len(rec) {
			continue
		}
		key := strings.TrimSpace(rec[keyIdx])
		if key == "" {
			continue
		}
		t.Ensure(key)
		for i, cell := range rec {
			if i == keyIdx || i >= len(header) {
				continue
			}
			t.Set(key, header[i], cell)
		}
	}
	return t, nil
}

// ReadReference reads the key and description columns of a reference file.
// Later duplicates overwrite earlier ones.
func ReadReference(r io.Reader, keyColumn, descColumn string) (map[string]string, error) {
	records, err := readAll(r)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return map[string]string{}, nil
	}
	keyIdx := indexOf(records[0], keyColumn)
	descIdx := indexOf(records[0], descColumn)
	if keyIdx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, keyColumn)
	}
	if descIdx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, descColumn)
	}
	out := make(map[string]string, len(records)-1)
	for _, rec := range records[1:] {
		if keyIdx >= len(rec) || descIdx >= len(rec) {
			continue
		}
		if key := strings.TrimSpace(rec[keyIdx]); key != "" {
			out[key] = strings.TrimSpace(rec[descIdx])
		}
	}
	return out, nil
}

// WriteTable writes one raw extracted table; rows may be ragged.
func WriteTable(w io.Writer, t harvest.ExtractedTable) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write table %d: %w", t.Index, err)
	}
	return nil
}

// ReadTable parses a raw table written by WriteTable.
func ReadTable(r io.Reader, index int) (harvest.ExtractedTable, error) {
	records, err := readAll(r)
	if err != nil {
		return harvest.ExtractedTable{}, err
	}
	return harvest.ExtractedTable{Index: index, Rows: records}, nil
}

func readAll(r io.Reader) ([][]string, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return records, nil
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}
