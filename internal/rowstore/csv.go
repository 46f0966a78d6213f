package rowstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const utf8BOM = "\ufeff"

// CSVStore keeps the table in a single CSV file.
//
// Every mutation is a whole-file read-modify-write that lands through a temp
// file in the same directory followed by a rename, so readers never observe a
// half-written table.
type CSVStore struct {
	path      string
	canonical []string
	mu        sync.Mutex
}

// NewCSV returns a store for path. canonical is the column order used when the
// file is first created and when new columns are appended.
func NewCSV(path string, canonical []string) (*CSVStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("csv path is required")
	}
	return &CSVStore{
		path:      path,
		canonical: slices.Clone(canonical),
	}, nil
}

// Path returns the CSV file location.
func (s *CSVStore) Path() string {
	return s.path
}

// ReadAll implements Store.
func (s *CSVStore) ReadAll(_ context.Context) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// WriteAll implements Store.
func (s *CSVStore) WriteAll(_ context.Context, table Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table.Records = collapseDuplicates(table.Records)
	return s.write(table)
}

// Upsert implements Store.
func (s *CSVStore) Upsert(_ context.Context, rec Record) error {
	if rec.URL() == "" {
		return ErrMissingKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.read()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.write(applyUpsert(table, s.canonical, rec))
}

// Merge implements Store.
func (s *CSVStore) Merge(_ context.Context, url string, cells Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.read()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("merge %s: %w", url, ErrRowNotFound)
		}
		return err
	}
	idx := table.Index(url)
	if idx < 0 {
		return fmt.Errorf("merge %s: %w", url, ErrRowNotFound)
	}
	table.Fields = unionFields(table.Fields, orderedKeys(s.canonical, cells))
	row := table.Records[idx].Clone()
	for k, v := range cells {
		if k == KeyField {
			continue
		}
		row[k] = v
	}
	table.Records[idx] = row
	return s.write(table)
}

// EnsureFields implements Store. A missing file is created with the canonical
// header plus fields.
func (s *CSVStore) EnsureFields(_ context.Context, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.read()
	switch {
	case errors.Is(err, ErrNotFound):
		table = Table{}
	case err != nil:
		return err
	}
	if len(table.Fields) == 0 {
		table.Fields = slices.Clone(s.canonical)
	} else if !slices.ContainsFunc(fields, func(f string) bool { return !slices.Contains(table.Fields, f) }) {
		return nil
	}
	table.Fields = unionFields(table.Fields, fields)
	return s.write(table)
}

// Reset implements Resetter by renaming the file with an ".unreadable" suffix.
func (s *CSVStore) Reset(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := fmt.Sprintf("%s.unreadable.%s", s.path, time.Now().Format("20060102_150405"))
	if err := os.Rename(s.path, moved); err != nil {
		return "", fmt.Errorf("set aside %s: %w", s.path, err)
	}
	return moved, nil
}

// Close implements Store.
func (s *CSVStore) Close() error {
	return nil
}

func (s *CSVStore) read() (Table, error) {
	// #nosec G304 -- the path comes from operator configuration.
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Table{}, fmt.Errorf("open %s: %w", s.path, ErrNotFound)
		}
		return Table{}, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	return decodeTable(f)
}

func decodeTable(r io.Reader) (Table, error) {
	reader := csv.NewReader(r)
	// Older header-only migrations left data rows shorter than the header.
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Table{}, nil
	}
	if err != nil {
		return Table{}, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	table := Table{Fields: header}
	for line := 1; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("read row %d: %w", line, err)
		}
		rec := make(Record, len(header))
		for i, field := range header {
			if i < len(row) {
				rec[field] = row[i]
			} else {
				rec[field] = ""
			}
		}
		table.Records = append(table.Records, rec)
	}
	table.Records = collapseDuplicates(table.Records)
	return table, nil
}

func (s *CSVStore) write(table Table) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := encodeTable(tmp, table); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

func encodeTable(w io.Writer, table Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(table.Fields); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(table.Fields))
	for _, rec := range table.Records {
		for i, field := range table.Fields {
			row[i] = rec[field]
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row %s: %w", rec.URL(), err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
