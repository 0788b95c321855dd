package merge

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
)

// Config names the output columns and selects the tables and variant to merge.
type Config struct {
	Variant           Variant
	KeyColumn         string
	EntityColumn      string
	DescriptionColumn string
	// Tables lists the extracted table indices folded into the wide table.
	Tables []int
	// EntityDimension is excluded from the column suffix of each point.
	EntityDimension string
}

// Reference maps normalized keys to descriptions.
type Reference map[string]string

// Flag is a record retained with an unnormalized key.
type Flag struct {
	Key    string
	Source string
	Err    error
}

// Report summarizes one entity merge.
type Report struct {
	Entity   string
	Points   int
	Rows     int
	Columns  int
	Flagged  []Flag
	Warnings []string
}

// Input is everything merged for one entity.
type Input struct {
	Group harvest.EntityGroup
	// Snapshot is the previously persisted table, nil on first run.
	Snapshot  *WideTable
	Reference Reference
}

// Engine merges entity groups into wide tables. It holds no mutable state.
type Engine struct {
	cfg    Config
	policy ColumnPolicy
	norm   Normalizer
	logger *zap.Logger
}

// NewEngine validates cfg and builds an Engine.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Variant.Validate(); err != nil {
		return nil, err
	}
	if cfg.KeyColumn == "" {
		cfg.KeyColumn = "HS CODE"
	}
	if cfg.EntityColumn == "" {
		cfg.EntityColumn = "Country"
	}
	if cfg.DescriptionColumn == "" {
		cfg.DescriptionColumn = "DESCRIPTION"
	}
	if len(cfg.Tables) == 0 {
		cfg.Tables = []int{0}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		policy: PolicyFor(cfg.Variant),
		norm:   Normalizer{Width: cfg.Variant.CodeWidth},
		logger: logger.Named("merge"),
	}, nil
}

// Normalizer returns the key normalizer in use.
func (e *Engine) Normalizer() Normalizer { return e.norm }

// KeyColumn returns the key column name.
func (e *Engine) KeyColumn() string { return e.cfg.KeyColumn }

// Merge folds every point of the group, reconciles the snapshot, enriches with
// the reference table, stamps the entity and orders the columns.
func (e *Engine) Merge(in Input) (*WideTable, Report, error) {
	report := Report{Entity: in.Group.Label, Points: len(in.Group.Entries)}

	fresh := NewWideTable(e.cfg.KeyColumn)
	for _, entry := range in.Group.Entries {
		suffix := entry.Point.Suffix(e.cfg.EntityDimension)
		for _, idx := range e.cfg.Tables {
			if idx >= len(entry.Tables) {
				report.Warnings = append(report.Warnings, fmt.Sprintf("%s: table %d missing", entry.Point, idx))
				continue
			}
			tableSuffix := suffix
			if len(e.cfg.Tables) > 1 {
				tableSuffix = fmt.Sprintf("%s_t%d", suffix, idx)
			}
			flat, flags := e.flatten(entry.Tables[idx], tableSuffix)
			report.Flagged = append(report.Flagged, flags...)
			fresh = OuterJoin(fresh, flat, tableSuffix)
		}
	}

	out := fresh
	if in.Snapshot != nil {
		snap, flags, err := e.Reconcile(in.Snapshot)
		if err != nil {
			return nil, report, err
		}
		report.Flagged = append(report.Flagged, flags...)
		out = Upsert(snap, fresh)
	}

	out.AddColumn(e.cfg.EntityColumn)
	out.AddColumn(e.cfg.DescriptionColumn)
	for _, key := range out.Keys() {
		if desc, ok := in.Reference[key]; ok {
			out.Set(key, e.cfg.DescriptionColumn, desc)
		}
		out.Set(key, e.cfg.EntityColumn, in.Group.Label)
	}
	out.Reorder(e.cfg.EntityColumn, e.cfg.DescriptionColumn)

	report.Rows = out.Len()
	report.Columns = len(out.Columns())
	for _, f := range report.Flagged {
		e.logger.Warn("key retained unnormalized",
			zap.String("entity", report.Entity),
			zap.String("key", f.Key),
			zap.String("source", f.Source),
			zap.Error(f.Err))
	}
	return out, report, nil
}

// flatten turns one extracted table into a wide table via the column policy.
// A header row names the columns; without one every row is data and the
// columns get generated names.
func (e *Engine) flatten(table harvest.ExtractedTable, suffix string) (*WideTable, []Flag) {
	out := NewWideTable(e.cfg.KeyColumn)
	if len(table.Rows) < 1 {
		return out, nil
	}
	var header []string
	data := table.Rows
	if table.Header {
		header, data = table.Rows[0], table.Rows[1:]
	}
	names := make([]string, len(e.policy.Columns))
	for i, ci := range e.policy.Columns {
		name := ""
		if ci < len(header) {
			name = header[ci]
		}
		if name == "" || name == e.cfg.KeyColumn {
			name = fmt.Sprintf("col%d_%s", ci, suffix)
		}
		names[i] = name
		out.AddColumn(name)
	}

	var flags []Flag
	for _, row := range data {
		if e.policy.KeyIndex >= len(row) || row[e.policy.KeyIndex] == "" {
			continue
		}
		key, flagged, err := e.norm.Key(row[e.policy.KeyIndex])
		if flagged {
			out.Flag(key)
			flags = append(flags, Flag{Key: key, Source: "extracted", Err: err})
		}
		out.Ensure(key)
		for i, ci := range e.policy.Columns {
			if ci < len(row) {
				out.Set(key, names[i], row[ci])
			}
		}
	}
	return out, flags
}

// Reconcile re-normalizes snapshot keys. Keys that collapse onto the same code
// are combined, later non-null values winning. A snapshot whose numeric keys are
// all wider than the configured code width is rejected.
func (e *Engine) Reconcile(snapshot *WideTable) (*WideTable, []Flag, error) {
	if err := e.checkWidth(snapshot); err != nil {
		return nil, nil, err
	}
	out := NewWideTable(snapshot.KeyColumn())
	for _, c := range snapshot.Columns() {
		out.AddColumn(c)
	}
	var flags []Flag
	for _, raw := range snapshot.Keys() {
		rec, _ := snapshot.Record(raw)
		key, flagged, err := e.norm.Key(raw)
		if flagged {
			flags = append(flags, Flag{Key: key, Source: "snapshot", Err: err})
			out.Flag(key)
		}
		out.Ensure(key)
		for c, v := range rec.Values {
			out.Set(key, c, v)
		}
	}
	return out, flags, nil
}

func (e *Engine) checkWidth(snapshot *WideTable) error {
	numeric, wider := 0, 0
	maxLen := 0
	for _, raw := range snapshot.Keys() {
		digits, ok := numericKey(raw)
		if !ok {
			continue
		}
		numeric++
		if len(digits) > e.norm.Width {
			wider++
		}
		maxLen = max(maxLen, len(digits))
	}
	if numeric > 0 && wider == numeric {
		return fmt.Errorf("%w: snapshot codes have up to %d digits, configured width is %d",
			ErrCodeWidthMismatch, maxLen, e.norm.Width)
	}
	return nil
}

// ParseReference normalizes reference rows into a Reference. Unnormalizable keys
// are kept raw and reported.
func (e *Engine) ParseReference(rows map[string]string) (Reference, []Flag) {
	ref := make(Reference, len(rows))
	var flags []Flag
	for raw, desc := range rows {
		key, flagged, err := e.norm.Key(raw)
		if flagged {
			flags = append(flags, Flag{Key: key, Source: "reference", Err: err})
		}
		ref[key] = desc
	}
	return ref, flags
}

// IsKeyMismatch reports whether err is a key normalization failure.
func IsKeyMismatch(err error) bool {
	return errors.Is(err, ErrKeyMismatch)
}
