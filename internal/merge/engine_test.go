package merge

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
)

func newTestEngine(t *testing.T, width int) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Variant:         Variant{Measure: MeasureValue, Period: PeriodMonthly, CodeWidth: width},
		EntityDimension: "country",
	}, zap.NewNop())
	require.NoError(t, err)
	return e
}

func entry(country, year, month string, rows ...[]string) harvest.Entry {
	point := harvest.NewParameterPoint(
		harvest.Coordinate{Dimension: "country", Value: country},
		harvest.Coordinate{Dimension: "year", Value: year},
		harvest.Coordinate{Dimension: "month", Value: month},
	)
	header := []string{"S.No.", "HSCode", "Commodity", "Unit", "2024-2025"}
	return harvest.Entry{
		Point:  point,
		Labels: map[string]string{"country": "India"},
		Tables: []harvest.ExtractedTable{{Index: 0, Rows: append([][]string{header}, rows...), Header: true}},
	}
}

func TestReconcileSnapshotKeys(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 4)
	snap := NewWideTable("HS CODE")
	snap.Set("1", "Jul", "10")
	snap.Set("02", "Jul", "20")
	snap.Set("003", "Jul", "30")

	out, flags, err := e.Reconcile(snap)
	require.NoError(t, err)
	require.Empty(t, flags)
	require.Equal(t, []string{"0001", "0002", "0003"}, out.Keys())
}

func TestMergeSnapshotScenario(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 4)
	snap := NewWideTable("HS CODE")
	for k, v := range map[string]string{"1": "10", "02": "20", "003": "30"} {
		snap.Set(k, "Country", "India")
		snap.Set(k, "Jul", v)
	}
	group := harvest.EntityGroup{
		Value: "3",
		Label: "India",
		Entries: []harvest.Entry{
			entry("3", "2024", "August",
				[]string{"1", "0003", "Horses", "", "31"},
				[]string{"2", "0004", "Cattle", "", "40"}),
		},
	}

	out, report, err := e.Merge(Input{Group: group, Snapshot: snap, Reference: Reference{"0004": "Live bovine animals"}})
	require.NoError(t, err)
	require.Empty(t, report.Flagged)
	require.Equal(t, []string{"0001", "0002", "0003", "0004"}, out.Keys())
	require.Equal(t, []string{"Country", "DESCRIPTION", "Jul", "2024-2025"}, out.Columns())

	_, ok := out.Value("0004", "Jul")
	require.False(t, ok)
	v, _ := out.Value("0003", "2024-2025")
	require.Equal(t, "31", v)
	v, _ = out.Value("0003", "Jul")
	require.Equal(t, "30", v)
	v, _ = out.Value("0004", "DESCRIPTION")
	require.Equal(t, "Live bovine animals", v)
	_, ok = out.Value("0001", "DESCRIPTION")
	require.False(t, ok)
	v, _ = out.Value("0004", "Country")
	require.Equal(t, "India", v)
	require.Equal(t, 4, report.Rows)
}

func TestMergeFoldsPointsWithSuffixes(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 4)
	group := harvest.EntityGroup{
		Value: "3",
		Label: "India",
		Entries: []harvest.Entry{
			entry("3", "2024", "July", []string{"1", "101", "Horses", "", "5"}),
			entry("3", "2024", "August", []string{"1", "101", "Horses", "", "6"}, []string{"2", "Total", "", "", "99"}),
		},
	}

	out, report, err := e.Merge(Input{Group: group})
	require.NoError(t, err)
	require.Equal(t, []string{"Country", "DESCRIPTION", "2024-2025", "2024-2025_2024_August"}, out.Columns())
	require.Equal(t, []string{"0101", "Total"}, out.Keys())
	v, _ := out.Value("0101", "2024-2025_2024_August")
	require.Equal(t, "6", v)

	require.Len(t, report.Flagged, 1)
	require.Equal(t, "Total", report.Flagged[0].Key)
	require.ErrorIs(t, report.Flagged[0].Err, ErrKeyMismatch)
	rec, ok := out.Record("Total")
	require.True(t, ok)
	require.True(t, rec.Flagged)
	require.Equal(t, 2, report.Points)
}

func TestMergeHeaderlessTableKeepsFirstRow(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 4)
	point := harvest.NewParameterPoint(
		harvest.Coordinate{Dimension: "country", Value: "3"},
		harvest.Coordinate{Dimension: "year", Value: "2024"},
		harvest.Coordinate{Dimension: "month", Value: "August"},
	)
	group := harvest.EntityGroup{
		Value: "3",
		Label: "India",
		Entries: []harvest.Entry{{
			Point: point,
			Tables: []harvest.ExtractedTable{{Index: 0, Rows: [][]string{
				{"1", "0102", "Cattle", "", "12.5"},
				{"2", "0101", "Horses", "", "6"},
			}}},
		}},
	}

	out, report, err := e.Merge(Input{Group: group})
	require.NoError(t, err)
	require.Equal(t, []string{"0101", "0102"}, out.Keys())
	require.Equal(t, []string{"Country", "DESCRIPTION", "col4_2024_August"}, out.Columns())
	v, _ := out.Value("0102", "col4_2024_August")
	require.Equal(t, "12.5", v)
	require.Equal(t, 2, report.Rows)
}

func TestMergeRejectsWiderSnapshot(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 4)
	snap := NewWideTable("HS CODE")
	snap.Set("01012100", "Jul", "1")
	snap.Set("01022100", "Jul", "2")
	snap.Set("Total", "Jul", "3")

	_, _, err := e.Merge(Input{Group: harvest.EntityGroup{Label: "India"}, Snapshot: snap})
	require.ErrorIs(t, err, ErrCodeWidthMismatch)

	// one short key is enough to proceed; the wide ones are flagged
	snap.Set("0101", "Jul", "4")
	out, report, err := e.Merge(Input{Group: harvest.EntityGroup{Label: "India"}, Snapshot: snap})
	require.NoError(t, err)
	require.Len(t, report.Flagged, 3)
	require.Equal(t, 4, out.Len())
}

func TestMergeMissingTableIsWarning(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(Config{Variant: DefaultVariant(), Tables: []int{0, 3}, EntityDimension: "country"}, nil)
	require.NoError(t, err)
	group := harvest.EntityGroup{Label: "India", Entries: []harvest.Entry{entry("3", "2024", "July", []string{"1", "0101", "Horses", "", "5"})}}
	out, report, err := e.Merge(Input{Group: group})
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	require.Equal(t, []string{"Country", "DESCRIPTION", "2024-2025"}, out.Columns())
}

func TestPolicyForVariants(t *testing.T) {
	t.Parallel()

	require.Equal(t, []int{4}, PolicyFor(Variant{Measure: MeasureValue, Period: PeriodMonthly}).Columns)
	require.Equal(t, []int{5}, PolicyFor(Variant{Measure: MeasureQuantity, Period: PeriodMonthly}).Columns)
	require.Equal(t, []int{7}, PolicyFor(Variant{Measure: MeasureValue, Period: PeriodAnnual}).Columns)
	require.Equal(t, []int{8}, PolicyFor(Variant{Measure: MeasureQuantity, Period: PeriodAnnual}).Columns)
	require.Error(t, Variant{Measure: MeasureValue, Period: PeriodMonthly, CodeWidth: 6}.Validate())
	require.NoError(t, DefaultVariant().Validate())
}

func TestParseReference(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 4)
	ref, flags := e.ParseReference(map[string]string{"101": "Horses", "0102": "Cattle", "n/a": "Unknown"})
	require.Equal(t, "Horses", ref["0101"])
	require.Equal(t, "Cattle", ref["0102"])
	require.Len(t, flags, 1)
}
