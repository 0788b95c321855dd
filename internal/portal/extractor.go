package portal

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
)

// Extraction is the result of reading the result tables of one page.
type Extraction struct {
	Tables   []harvest.ExtractedTable
	Warnings []string
}

// ExtractorConfig sets the fallback row policy and the table cap.
type ExtractorConfig struct {
	DefaultPolicy harvest.RowPolicy
	// MaxTables caps how many matching tables are read. Zero reads all.
	MaxTables int
}

// Extractor parses result tables out of the session's current document.
type Extractor struct {
	session harvest.Session
	cfg     ExtractorConfig
	logger  *zap.Logger
}

// NewExtractor builds an Extractor.
func NewExtractor(session harvest.Session, cfg ExtractorConfig, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = harvest.RowData
	}
	return &Extractor{session: session, cfg: cfg, logger: logger.Named("extractor")}
}

// Extract reads every table matching selector, applying policies[i] to the
// i-th table and the default policy past the end of policies.
func (e *Extractor) Extract(ctx context.Context, selector string, policies []harvest.RowPolicy) (Extraction, error) {
	html, err := e.session.PageHTML(ctx)
	if err != nil {
		return Extraction{}, fmt.Errorf("extract: %w", err)
	}
	out, err := ParseTables(html, selector, policies, e.cfg.DefaultPolicy, e.cfg.MaxTables)
	if err != nil {
		return Extraction{}, err
	}
	for _, w := range out.Warnings {
		e.logger.Warn("table extraction", zap.String("warning", w))
	}
	return out, nil
}

// ParseTables is the pure parsing step of Extract.
func ParseTables(html, selector string, policies []harvest.RowPolicy, def harvest.RowPolicy, maxTables int) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse html: %w", err)
	}
	tables := doc.Find(selector)
	if tables.Length() == 0 {
		return Extraction{}, fmt.Errorf("%w: no tables match %s", harvest.ErrControlNotFound, selector)
	}

	var out Extraction
	tables.EachWithBreak(func(i int, table *goquery.Selection) bool {
		if maxTables > 0 && i >= maxTables {
			return false
		}
		policy := def
		if i < len(policies) && policies[i] != "" {
			policy = policies[i]
		}
		rows, header := tableRows(table, policy)
		extracted := harvest.ExtractedTable{Index: i, Rows: rows, Header: header}
		if extracted.Empty() {
			out.Warnings = append(out.Warnings, fmt.Sprintf("table %d (%s): no rows", i, policy))
		}
		out.Tables = append(out.Tables, extracted)
		return true
	})
	return out, nil
}

// tableRows reports whether the first kept row is a header row.
func tableRows(table *goquery.Selection, policy harvest.RowPolicy) ([][]string, bool) {
	var rows [][]string
	header := false
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		// Rows of nested tables belong to those tables.
		if !tr.Closest("table").IsSelection(table) {
			return
		}
		var cells *goquery.Selection
		th := false
		switch policy {
		case harvest.RowHeader:
			cells = tr.ChildrenFiltered("th")
			th = true
		case harvest.RowHeaderThenData:
			cells = tr.ChildrenFiltered("th")
			th = cells.Length() > 0
			if !th {
				cells = tr.ChildrenFiltered("td")
			}
		default:
			cells = tr.ChildrenFiltered("td")
		}
		if cells.Length() == 0 {
			return
		}
		if len(rows) == 0 {
			header = th
		}
		row := make([]string, 0, cells.Length())
		cells.Each(func(_ int, cell *goquery.Selection) {
			row = append(row, cellText(cell))
		})
		rows = append(rows, row)
	})
	return rows, header
}

func cellText(cell *goquery.Selection) string {
	return strings.Join(strings.Fields(cell.Text()), " ")
}
