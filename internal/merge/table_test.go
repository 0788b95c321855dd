package merge

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func tableOf(cols []string, rows map[string][]string) *WideTable {
	t := NewWideTable("HS CODE")
	for _, c := range cols {
		t.AddColumn(c)
	}
	for k, values := range rows {
		t.Ensure(k)
		for i, v := range values {
			t.Set(k, cols[i], v)
		}
	}
	return t
}

func TestOuterJoinSuffixesCollidingColumns(t *testing.T) {
	t.Parallel()

	left := tableOf([]string{"2024-25"}, map[string][]string{"0101": {"5"}, "0102": {"6"}})
	right := tableOf([]string{"2024-25", "Unit"}, map[string][]string{"0102": {"7", "KGS"}, "0103": {"8", ""}})

	out := OuterJoin(left, right, "2024_August")
	require.Equal(t, []string{"2024-25", "2024-25_2024_August", "Unit"}, out.Columns())
	require.Equal(t, []string{"0101", "0102", "0103"}, out.Keys())

	v, ok := out.Value("0102", "2024-25")
	require.True(t, ok)
	require.Equal(t, "6", v)
	v, _ = out.Value("0102", "2024-25_2024_August")
	require.Equal(t, "7", v)
	_, ok = out.Value("0101", "2024-25_2024_August")
	require.False(t, ok)
	_, ok = out.Value("0103", "Unit")
	require.False(t, ok)

	// operands are untouched
	require.Equal(t, []string{"2024-25"}, left.Columns())
	require.Equal(t, 2, left.Len())
}

func TestUpsertNewValuesWin(t *testing.T) {
	t.Parallel()

	base := tableOf([]string{"Jul", "Aug"}, map[string][]string{"0001": {"1", "old"}, "0002": {"2", "keep"}})
	fresh := tableOf([]string{"Aug", "Sep"}, map[string][]string{"0001": {"new", ""}, "0002": {"", "9"}, "0003": {"3", "4"}})

	out := Upsert(base, fresh)
	require.Equal(t, []string{"Jul", "Aug", "Sep"}, out.Columns())
	require.Equal(t, []string{"0001", "0002", "0003"}, out.Keys())
	v, _ := out.Value("0001", "Aug")
	require.Equal(t, "new", v)
	v, _ = out.Value("0002", "Aug")
	require.Equal(t, "keep", v)
	_, ok := out.Value("0003", "Jul")
	require.False(t, ok)

	again := Upsert(out, fresh)
	require.Equal(t, out.Columns(), again.Columns())
	for _, k := range out.Keys() {
		a, _ := out.Record(k)
		b, _ := again.Record(k)
		require.Equal(t, a, b)
	}
}

func TestReorder(t *testing.T) {
	t.Parallel()

	tbl := tableOf([]string{"Aug", "DESCRIPTION"}, nil)
	tbl.Reorder("Country", "DESCRIPTION", "HS CODE")
	require.Equal(t, []string{"Country", "DESCRIPTION", "Aug"}, tbl.Columns())
}

func TestOuterJoinKeysAreUnion(t *testing.T) {
	t.Parallel()

	keyGen := rapid.StringMatching(`[0-9]{4}`)
	rapid.Check(t, func(rt *rapid.T) {
		sKeys := rapid.SliceOfDistinct(keyGen, rapid.ID[string]).Draw(rt, "snapshot")
		dKeys := rapid.SliceOfDistinct(keyGen, rapid.ID[string]).Draw(rt, "fresh")

		s := NewWideTable("HS CODE")
		for i, k := range sKeys {
			s.Set(k, "A", fmt.Sprint(i))
		}
		d := NewWideTable("HS CODE")
		for i, k := range dKeys {
			d.Set(k, "A", fmt.Sprint(i))
		}

		want := append(slices.Clone(sKeys), dKeys...)
		slices.Sort(want)
		want = slices.Compact(want)
		if len(want) == 0 {
			want = []string{}
		}

		for name, got := range map[string][]string{
			"s+d":    OuterJoin(s, d, "x").Keys(),
			"d+s":    OuterJoin(d, s, "x").Keys(),
			"upsert": Upsert(s, d).Keys(),
		} {
			if !slices.Equal(got, want) {
				rt.Fatalf("%s keys %v, want %v", name, got, want)
			}
		}
	})
}
