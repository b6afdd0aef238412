// Package batch models the raw record batch delivered by the remote source
// for one unit: an in-memory table of string-valued columns, keyed by
// normalized column names. It is ephemeral by design; the processor drops
// the batch as soon as the normalized rows are derived.
package batch

import (
	"regexp"
	"strings"
)

//nolint:gochecknoglobals // Compiled once, read-only
var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	invalidRe    = regexp.MustCompile(`[^a-z0-9_]`)
)

// CleanName normalizes a source column name: lowercase, whitespace to
// underscore, anything outside [a-z0-9_] stripped. Source layouts mix cases
// and occasionally rename columns between competence months; cleaning keeps
// the downstream field mapping stable.
func CleanName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = whitespaceRe.ReplaceAllString(s, "_")
	s = invalidRe.ReplaceAllString(s, "")

	if s == "" {
		return "unknown"
	}

	return s
}

// Row is one raw record keyed by cleaned column names.
type Row map[string]string

// NewRow builds a row from parallel name/value slices, cleaning names and
// coalescing duplicates to the first non-empty value in column order
// (e.g. VAL_TOT and val_tot collapse into one val_tot column).
func NewRow(names, values []string) Row {
	row := make(Row, len(names))

	for i, name := range names {
		if i >= len(values) {
			break
		}

		key := CleanName(name)
		if existing, ok := row[key]; ok && existing != "" {
			continue
		}

		row[key] = values[i]
	}

	return row
}

// Table is an ordered collection of raw rows for one unit.
type Table struct {
	rows []Row
}

// NewTable builds a table from pre-built rows. Mostly used by tests and
// in-memory fetch stubs.
func NewTable(rows ...Row) *Table {
	return &Table{rows: rows}
}

// Append adds one row to the table.
func (t *Table) Append(row Row) {
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}

	return len(t.rows)
}

// Rows exposes the underlying rows for iteration.
func (t *Table) Rows() []Row {
	if t == nil {
		return nil
	}

	return t.rows
}

// HasColumn reports whether any row carries a non-empty value under the
// given cleaned column name.
func (t *Table) HasColumn(name string) bool {
	for _, row := range t.Rows() {
		if _, ok := row[name]; ok {
			return true
		}
	}

	return false
}
