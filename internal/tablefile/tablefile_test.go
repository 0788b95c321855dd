package tablefile

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
	"github.com/JakeFAU/portal-harvester/internal/merge"
	"github.com/JakeFAU/portal-harvester/internal/storage/memory"
)

func TestWideTableRoundTrip(t *testing.T) {
	t.Parallel()

	table := merge.NewWideTable("HS CODE")
	table.Set("0002", "Country", "A")
	table.Set("0001", "Country", "A")
	table.Set("0001", "Jul", "10")
	table.Set("0002", "Aug", "5, with comma")

	var buf bytes.Buffer
	require.NoError(t, WriteWideTable(&buf, table))
	want := "HS CODE,Country,Jul,Aug\n0001,A,10,\n0002,A,,\"5, with comma\"\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("csv mismatch (-want +got):\n%s", diff)
	}

	back, err := ReadWideTable(&buf, "HS CODE")
	require.NoError(t, err)
	require.Equal(t, table.Columns(), back.Columns())
	require.Equal(t, table.Keys(), back.Keys())
	_, ok := back.Value("0001", "Aug")
	require.False(t, ok, "empty cell must read back as null")
	v, _ := back.Value("0002", "Aug")
	require.Equal(t, "5, with comma", v)
}

func TestReadWideTableBOMAndRagged(t *testing.T) {
	t.Parallel()

	in := "\xEF\xBB\xBFCountry,HS CODE,Jul\nA,1,3\nA,02\n,,\n"
	table, err := ReadWideTable(strings.NewReader(in), "HS CODE")
	require.NoError(t, err)
	require.Equal(t, []string{"02", "1"}, table.Keys())
	require.Equal(t, []string{"Country", "Jul"}, table.Columns())

	_, err = ReadWideTable(strings.NewReader("a,b\n1,2\n"), "HS CODE")
	require.ErrorIs(t, err, ErrMissingColumn)
	_, err = ReadWideTable(strings.NewReader(""), "HS CODE")
	require.ErrorIs(t, err, ErrMissingColumn)
}

func TestReadReference(t *testing.T) {
	t.Parallel()

	in := "HS CODE,DESCRIPTION,Other\n0101, Live horses ,x\n0102,Bovine\n"
	ref, err := ReadReference(strings.NewReader(in), "HS CODE", "DESCRIPTION")
	require.NoError(t, err)
	if diff := cmp.Diff(map[string]string{"0101": "Live horses", "0102": "Bovine"}, ref); diff != "" {
		t.Fatalf("reference mismatch (-want +got):\n%s", diff)
	}

	_, err = ReadReference(strings.NewReader("HS CODE\n1\n"), "HS CODE", "DESCRIPTION")
	require.ErrorIs(t, err, ErrMissingColumn)
}

func TestEntityFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		want  string
	}{
		{"United States", "trade_data_United_States.csv"},
		{"  Bosnia  and Herzegovina ", "trade_data_Bosnia_and_Herzegovina.csv"},
		{"a/b", "trade_data_a_b.csv"},
		{"", "trade_data_unknown.csv"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, EntityFileName("trade_data_", tc.label), tc.label)
	}
}

func TestDumpAndLoadDataset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewBlobStore()
	ds := harvest.NewRawDataset()
	p1 := harvest.NewParameterPoint(
		harvest.Coordinate{Dimension: "entity", Value: "1"},
		harvest.Coordinate{Dimension: "month", Value: "August"},
	)
	p2 := harvest.NewParameterPoint(
		harvest.Coordinate{Dimension: "entity", Value: "2"},
		harvest.Coordinate{Dimension: "month", Value: "August"},
	)
	require.NoError(t, ds.Add(harvest.Entry{
		Point:  p1,
		Labels: map[string]string{"entity": "Albania"},
		Tables: []harvest.ExtractedTable{
			{Index: 0, Rows: [][]string{{"S.No", "HS Code", "Value"}, {"1", "01", "3"}}, Header: true},
			{Index: 1, Rows: [][]string{{"only"}}},
		},
	}))
	require.NoError(t, ds.Add(harvest.Entry{Point: p2, Tables: []harvest.ExtractedTable{{Index: 0}}}))

	manifestPath, err := DumpDataset(ctx, store, "raw/run-1", "run-1", "entity", ds)
	require.NoError(t, err)
	require.Equal(t, "raw/run-1/manifest.yaml", manifestPath)
	require.Contains(t, store.Paths(), "raw/run-1/p0000_entity_1_month_August/t1.csv")

	back, manifest, err := LoadDataset(ctx, store, manifestPath)
	require.NoError(t, err)
	require.Equal(t, "run-1", manifest.RunID)
	require.Equal(t, "entity", manifest.EntityDimension)
	require.Equal(t, 2, back.Len())

	got, ok := back.Get(p1)
	require.True(t, ok)
	require.Equal(t, "Albania", got.Label("entity"))
	want := ds.Entries()[0].Tables
	if diff := cmp.Diff(want, got.Tables); diff != "" {
		t.Fatalf("tables mismatch (-want +got):\n%s", diff)
	}
	empty, ok := back.Get(p2)
	require.True(t, ok)
	require.Len(t, empty.Tables, 1)
	require.True(t, empty.Tables[0].Empty())
}

func TestLoadDatasetMissingManifest(t *testing.T) {
	t.Parallel()

	_, _, err := LoadDataset(context.Background(), memory.NewBlobStore(), "raw/none/manifest.yaml")
	require.Error(t, err)
}
