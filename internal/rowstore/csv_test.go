package rowstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testColumns = []string{"url", "depth", "status_code", "error_message"}

func newTestStore(t *testing.T) *CSVStore {
	t.Helper()
	store, err := NewCSV(filepath.Join(t.TempDir(), "result.csv"), testColumns)
	require.NoError(t, err)
	return store
}

func TestCSVStoreReadAllMissingFile(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, err := store.ReadAll(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCSVStoreUpsertAppendsThenReplacesInPlace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Upsert(ctx, Record{"url": "https://a.com/", "depth": "0", "status_code": "200"}))
	require.NoError(t, store.Upsert(ctx, Record{"url": "https://a.com/x", "depth": "1", "status_code": "ERROR", "error_message": "timeout"}))
	require.NoError(t, store.Upsert(ctx, Record{"url": "https://a.com/y", "depth": "1", "status_code": "200"}))
	require.NoError(t, store.Upsert(ctx, Record{"url": "https://a.com/x", "depth": "1", "status_code": "200", "error_message": ""}))

	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, testColumns, table.Fields)
	require.Len(t, table.Records, 3)
	assert.Equal(t, "https://a.com/x", table.Records[1].URL())
	assert.Equal(t, "200", table.Records[1]["status_code"])
	assert.Empty(t, table.Records[1]["error_message"])
}

func TestCSVStoreUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	rec := Record{"url": "https://a.com/", "depth": "0", "status_code": "200"}

	require.NoError(t, store.Upsert(ctx, rec))
	first, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, store.Upsert(ctx, rec))
	}
	again, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, string(first), string(again))
}

func TestCSVStoreUpsertKeepsCellsTheRecordDoesNotCarry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Upsert(ctx, Record{"url": "https://a.com/", "status_code": "ERROR"}))
	require.NoError(t, store.Merge(ctx, "https://a.com/", Record{"status_code_r1": "200"}))
	require.NoError(t, store.Upsert(ctx, Record{"url": "https://a.com/", "status_code": "200"}))

	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, table.Records, 1)
	assert.Equal(t, "200", table.Records[0]["status_code"])
	assert.Equal(t, "200", table.Records[0]["status_code_r1"])
}

func TestCSVStoreUpsertRejectsMissingURL(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.Upsert(context.Background(), Record{"depth": "0"})
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestCSVStoreEnsureFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Upsert(ctx, Record{"url": "https://a.com/", "depth": "0", "status_code": "200"}))

	extra := []string{"url_r1", "status_code_r1"}
	require.NoError(t, store.EnsureFields(ctx, extra))
	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	require.NoError(t, store.EnsureFields(ctx, extra))
	again, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, string(after), string(again), "second call must be a no-op")

	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, append(append([]string{}, testColumns...), extra...), table.Fields)
	require.Len(t, table.Records, 1)
	assert.Equal(t, "200", table.Records[0]["status_code"])
	assert.Empty(t, table.Records[0]["url_r1"])
}

func TestCSVStoreEnsureFieldsCreatesMissingFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureFields(ctx, []string{"depth"}))

	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, testColumns, table.Fields)
	assert.Empty(t, table.Records)
}

func TestCSVStoreMerge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Upsert(ctx, Record{"url": "https://old.com/p", "depth": "0", "status_code": "200"}))

	err := store.Merge(ctx, "https://old.com/p", Record{"url": "https://ignored", "url_r1": "https://new.com/p", "status_code_r1": "301"})
	require.NoError(t, err)

	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, table.Records, 1)
	row := table.Records[0]
	assert.Equal(t, "https://old.com/p", row.URL())
	assert.Equal(t, "200", row["status_code"])
	assert.Equal(t, "https://new.com/p", row["url_r1"])
	assert.Equal(t, "301", row["status_code_r1"])

	err = store.Merge(ctx, "https://missing.com/", Record{"url_r1": "x"})
	require.ErrorIs(t, err, ErrRowNotFound)
	table, err = store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, table.Records, 1, "merge must never append")
}

func TestCSVStoreReadsRaggedRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "result.csv")
	content := "\ufeffurl,depth,status_code,url_r1,status_code_r1\n" +
		"https://a.com/,0,200\n" +
		"https://a.com/b,1,ERROR,https://b.com/b,200\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := NewCSV(path, testColumns)
	require.NoError(t, err)
	table, err := store.ReadAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "url", table.Fields[0])
	require.Len(t, table.Records, 2)
	assert.Equal(t, "", table.Records[0]["url_r1"])
	assert.Equal(t, "200", table.Records[1]["status_code_r1"])
}

func TestCSVStoreCollapsesDuplicateURLs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "result.csv")
	content := "url,depth,status_code,error_message\n" +
		"https://a.com/x,1,ERROR,timeout\n" +
		"https://a.com/y,1,200,\n" +
		"https://a.com/x,1,ERROR,refused\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := NewCSV(path, testColumns)
	require.NoError(t, err)
	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, table.Records, 2)
	assert.Equal(t, "https://a.com/x", table.Records[0].URL())
	assert.Equal(t, "refused", table.Records[0]["error_message"], "last row wins")
	assert.Equal(t, "https://a.com/y", table.Records[1].URL())

	require.NoError(t, store.Upsert(ctx, Record{"url": "https://a.com/x", "status_code": "200", "error_message": ""}))
	table, err = store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, table.Records, 2)
	assert.Equal(t, "200", table.Records[0]["status_code"])

	require.NoError(t, store.WriteAll(ctx, Table{Fields: testColumns, Records: []Record{
		{"url": "https://a.com/z", "status_code": "ERROR"},
		{"url": "https://a.com/z", "status_code": "200"},
	}}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "url,depth,status_code,error_message\nhttps://a.com/z,,200,\n", string(data))
}

func TestCSVStoreRoundTripsMultilineCells(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	anchor := "<a href=\"/x\">\n  line, with \"quotes\"\n</a>"
	require.NoError(t, store.Upsert(ctx, Record{"url": "https://a.com/x", "anchor_html": anchor}))

	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, table.Records, 1)
	assert.Equal(t, anchor, table.Records[0]["anchor_html"])
	assert.Contains(t, table.Fields, "anchor_html")
}

func TestCSVStoreWriteAllLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	table := Table{
		Fields:  testColumns,
		Records: []Record{{"url": "https://a.com/", "depth": "0"}},
	}
	require.NoError(t, store.WriteAll(ctx, table))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "result.csv", entries[0].Name())
}

func TestCSVStoreResetMovesTableAside(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Upsert(ctx, Record{"url": "https://a.com/", "status_code": "200"}))

	moved, err := store.Reset(ctx)
	require.NoError(t, err)
	assert.Contains(t, moved, "result.csv.unreadable.")
	_, err = os.Stat(moved)
	require.NoError(t, err)

	_, err = store.ReadAll(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Reset(ctx)
	require.Error(t, err, "nothing left to move")
}

func TestNewCSVRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewCSV("  ", testColumns)
	assert.Error(t, err)
}
