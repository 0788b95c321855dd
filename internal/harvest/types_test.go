package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePoint(entity, year, month string) ParameterPoint {
	return NewParameterPoint(
		Coordinate{Dimension: "entity", Value: entity},
		Coordinate{Dimension: "year", Value: year},
		Coordinate{Dimension: "month", Value: month},
	)
}

func TestParameterPointKeyAndSuffix(t *testing.T) {
	t.Parallel()

	p := samplePoint("2", "2024", "August")
	require.Equal(t, "entity=2|year=2024|month=August", p.Key())
	require.Equal(t, "2024_August", p.Suffix("entity"))
	require.Equal(t, "2_2024_August", p.Suffix())

	v, ok := p.Value("year")
	require.True(t, ok)
	require.Equal(t, "2024", v)
	_, ok = p.Value("country")
	require.False(t, ok)
}

func TestParameterPointIsImmutable(t *testing.T) {
	t.Parallel()

	coords := []Coordinate{{Dimension: "entity", Value: "1"}}
	p := NewParameterPoint(coords...)
	coords[0].Value = "9"
	got := p.Coordinates()
	got[0].Value = "7"

	v, _ := p.Value("entity")
	require.Equal(t, "1", v)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "stale", err: fmt.Errorf("select month: %w", ErrStaleReference), want: true},
		{name: "timeout", err: ErrReadyTimeout, want: true},
		{name: "alert", err: ErrAlertInterruption, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "missing control", err: ErrControlNotFound, want: false},
		{name: "session fault", err: fmt.Errorf("%w: %w", ErrSessionFault, ErrReadyTimeout), want: false},
		{name: "unknown", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestSelectByValid(t *testing.T) {
	t.Parallel()

	require.True(t, SelectByIndex.Valid())
	require.True(t, SelectByText.Valid())
	require.True(t, SelectByValue.Valid())
	require.False(t, SelectBy("label").Valid())
}
