package harvest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawDatasetWriteOnce(t *testing.T) {
	t.Parallel()

	ds := NewRawDataset()
	p := samplePoint("1", "2024", "August")
	require.NoError(t, ds.Add(Entry{Point: p}))
	err := ds.Add(Entry{Point: p})
	require.ErrorIs(t, err, ErrDuplicatePoint)
	require.Equal(t, 1, ds.Len())

	_, ok := ds.Get(samplePoint("2", "2024", "August"))
	require.False(t, ok)
}

func TestRawDatasetGroupByPreservesOrder(t *testing.T) {
	t.Parallel()

	ds := NewRawDataset()
	for _, p := range []ParameterPoint{
		samplePoint("3", "2024", "July"),
		samplePoint("3", "2024", "August"),
		samplePoint("1", "2024", "July"),
	} {
		require.NoError(t, ds.Add(Entry{Point: p, Labels: map[string]string{"entity": "Entity " + p.Suffix("year", "month")}}))
	}

	groups := ds.GroupBy("entity")
	require.Len(t, groups, 2)
	require.Equal(t, "3", groups[0].Value)
	require.Equal(t, "Entity 3", groups[0].Label)
	require.Len(t, groups[0].Entries, 2)
	require.Equal(t, "1", groups[1].Value)
	require.Len(t, groups[1].Entries, 1)
}

func TestEntryLabelFallsBackToValue(t *testing.T) {
	t.Parallel()

	e := Entry{Point: samplePoint("5", "2024", "May")}
	require.Equal(t, "5", e.Label("entity"))
	e.Labels = map[string]string{"entity": "FRANCE"}
	require.Equal(t, "FRANCE", e.Label("entity"))
}
