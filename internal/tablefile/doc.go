// Package tablefile encodes merged entity tables, reference tables and raw
// per-point extractions as CSV, plus a YAML manifest that lets a raw dump be
// re-merged offline.
package tablefile
