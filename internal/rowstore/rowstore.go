// Package rowstore persists crawl result rows keyed by URL.
//
// A store holds an ordered header and an ordered list of records. Writes are
// upserts keyed by the "url" column, so replaying the same record any number
// of times leaves exactly one row for that URL.
package rowstore

import (
	"context"
	"errors"
	"slices"
	"sort"
)

// KeyField is the column every record is keyed by.
const KeyField = "url"

var (
	// ErrNotFound reports that the backing table does not exist yet.
	ErrNotFound = errors.New("row store not found")
	// ErrRowNotFound reports that no row exists for the requested URL.
	ErrRowNotFound = errors.New("row not found")
	// ErrMissingKey reports a record without a url cell.
	ErrMissingKey = errors.New("record has no url")
)

// Record is one row, column name to cell value.
type Record map[string]string

// URL returns the key cell.
func (r Record) URL() string {
	return r[KeyField]
}

// Clone returns a copy that can be mutated independently.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is a full snapshot of a store.
type Table struct {
	Fields  []string
	Records []Record
}

// Index returns the position of the row keyed by url, or -1.
func (t Table) Index(url string) int {
	for i, rec := range t.Records {
		if rec.URL() == url {
			return i
		}
	}
	return -1
}

// Store is the durable table of result rows.
type Store interface {
	// ReadAll returns the header and every row in on-disk order, one row
	// per url.
	ReadAll(ctx context.Context) (Table, error)
	// WriteAll atomically replaces the whole table. Rows sharing a url are
	// collapsed first.
	WriteAll(ctx context.Context, table Table) error
	// Upsert replaces the row with the same url in place, or appends it.
	// Columns the record does not carry keep their existing cells.
	Upsert(ctx context.Context, rec Record) error
	// Merge overwrites the given cells of an existing row.
	Merge(ctx context.Context, url string, cells Record) error
	// EnsureFields adds missing columns without touching existing cells.
	EnsureFields(ctx context.Context, fields []string) error
	Close() error
}

// collapseDuplicates keeps one row per url. The last row for a url wins and
// takes the position of the first.
func collapseDuplicates(records []Record) []Record {
	pos := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		u := rec.URL()
		if u == "" {
			out = append(out, rec)
			continue
		}
		if i, ok := pos[u]; ok {
			out[i] = rec
			continue
		}
		pos[u] = len(out)
		out = append(out, rec)
	}
	return out
}

// Resetter is implemented by stores that can move an unreadable table out of
// the way so a fresh one can be written in its place.
type Resetter interface {
	// Reset returns where the old table now lives.
	Reset(ctx context.Context) (string, error)
}

// unionFields appends the entries of add missing from existing, keeping order.
func unionFields(existing, add []string) []string {
	out := slices.Clone(existing)
	for _, f := range add {
		if f == "" || slices.Contains(out, f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// orderedKeys lists the record's columns, canonical ones first in canonical
// order and the rest sorted.
func orderedKeys(canonical []string, rec Record) []string {
	keys := make([]string, 0, len(rec))
	for _, f := range canonical {
		if _, ok := rec[f]; ok {
			keys = append(keys, f)
		}
	}
	var extra []string
	for k := range rec {
		if !slices.Contains(canonical, k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(keys, extra...)
}

// applyUpsert merges rec into table, returning the updated table.
func applyUpsert(table Table, canonical []string, rec Record) Table {
	if len(table.Fields) == 0 {
		table.Fields = slices.Clone(canonical)
	}
	table.Fields = unionFields(table.Fields, orderedKeys(canonical, rec))
	if idx := table.Index(rec.URL()); idx >= 0 {
		merged := table.Records[idx].Clone()
		for k, v := range rec {
			merged[k] = v
		}
		table.Records[idx] = merged
		return table
	}
	table.Records = append(table.Records, rec.Clone())
	return table
}
