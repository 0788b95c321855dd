package merge

import "fmt"

// Measure selects the value or quantity figures.
type Measure string

// Period selects the monthly or annual figures.
type Period string

// Supported measures and periods.
const (
	MeasureValue    Measure = "value"
	MeasureQuantity Measure = "quantity"
	PeriodMonthly   Period  = "monthly"
	PeriodAnnual    Period  = "annual"
)

// Variant picks which figures are retained and the code granularity.
type Variant struct {
	Measure   Measure `mapstructure:"measure"`
	Period    Period  `mapstructure:"period"`
	CodeWidth int     `mapstructure:"code_width"`
}

// DefaultVariant is monthly value at four-digit codes.
func DefaultVariant() Variant {
	return Variant{Measure: MeasureValue, Period: PeriodMonthly, CodeWidth: 4}
}

// Validate checks the variant against the portal's offerings.
func (v Variant) Validate() error {
	switch v.Measure {
	case MeasureValue, MeasureQuantity:
	default:
		return fmt.Errorf("merge.variant.measure must be value or quantity, got %q", v.Measure)
	}
	switch v.Period {
	case PeriodMonthly, PeriodAnnual:
	default:
		return fmt.Errorf("merge.variant.period must be monthly or annual, got %q", v.Period)
	}
	switch v.CodeWidth {
	case 2, 4, 8:
	default:
		return fmt.Errorf("merge.variant.code_width must be 2, 4 or 8, got %d", v.CodeWidth)
	}
	return nil
}

// ColumnPolicy maps table cells to the key and the retained data columns.
type ColumnPolicy struct {
	KeyIndex int
	Columns  []int
}

// PolicyFor returns the positional layout of the portal's commodity table:
// serial number, code, description, then the figures for each variant.
func PolicyFor(v Variant) ColumnPolicy {
	col := 4
	switch {
	case v.Period == PeriodMonthly && v.Measure == MeasureQuantity:
		col = 5
	case v.Period == PeriodAnnual && v.Measure == MeasureValue:
		col = 7
	case v.Period == PeriodAnnual && v.Measure == MeasureQuantity:
		col = 8
	}
	return ColumnPolicy{KeyIndex: 1, Columns: []int{col}}
}
