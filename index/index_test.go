package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bockthom/nntp2mbox/model"
)

func testEntry(id string) model.IndexEntry {
	return model.IndexEntry{
		MessageID: id,
		Date:      time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC),
		Sender:    "bob@example.org",
		Subject:   "hello",
	}
}

func openTemp(t *testing.T) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "group.index.db")
	idx, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, path
}

func TestOpenFreshAndReopen(t *testing.T) {
	idx, path := openTemp(t)
	require.True(t, idx.Fresh())

	require.NoError(t, idx.Insert(testEntry("a@example.org")))
	require.NoError(t, idx.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	require.False(t, reopened.Fresh(), "existing database is not fresh")
	ok, err := reopened.Contains("a@example.org")
	require.NoError(t, err)
	require.True(t, ok, "closed index keeps its entries")
}

func TestContainsSeesUncommittedInserts(t *testing.T) {
	idx, _ := openTemp(t)

	ok, err := idx.Contains("a@example.org")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, idx.Insert(testEntry("a@example.org")))

	ok, err = idx.Contains("a@example.org")
	require.NoError(t, err)
	require.True(t, ok, "the current batch sees its own writes")
}

func TestInsertDuplicate(t *testing.T) {
	idx, _ := openTemp(t)

	require.NoError(t, idx.Insert(testEntry("dup@example.org")))
	err := idx.Insert(testEntry("dup@example.org"))
	require.ErrorIs(t, err, ErrDuplicate)

	// Committed entries conflict the same way.
	require.NoError(t, idx.Commit())
	err = idx.Insert(testEntry("dup@example.org"))
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestCommitBatches(t *testing.T) {
	idx, _ := openTemp(t)

	require.NoError(t, idx.Commit(), "committing an empty batch is a no-op")

	require.NoError(t, idx.Insert(testEntry("one@example.org")))
	require.NoError(t, idx.Insert(testEntry("two@example.org")))
	require.NoError(t, idx.Commit())

	require.NoError(t, idx.Insert(testEntry("three@example.org")))
	ok, err := idx.Contains("three@example.org")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBootstrapImportsArchive(t *testing.T) {
	idx, _ := openTemp(t)
	require.True(t, idx.Fresh())

	entries := []model.IndexEntry{
		testEntry("a@example.org"),
		testEntry("b@example.org"),
		testEntry("a@example.org"), // archives can carry duplicates
	}
	replay := func(fn func(model.IndexEntry) error) error {
		for _, entry := range entries {
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	}

	imported, err := idx.Bootstrap(replay)
	require.NoError(t, err)
	require.Equal(t, 2, imported)
	require.False(t, idx.Fresh())

	for _, id := range []string{"a@example.org", "b@example.org"} {
		ok, err := idx.Contains(id)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestCoverageRoundTrip(t *testing.T) {
	idx, _ := openTemp(t)

	_, ok, err := idx.Coverage("gmane.test.group")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, idx.SetCoverage("gmane.test.group", Coverage{First: 100, Last: 500}))
	cov, ok, err := idx.Coverage("gmane.test.group")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Coverage{First: 100, Last: 500}, cov)

	// Upsert replaces the previous range.
	require.NoError(t, idx.SetCoverage("gmane.test.group", Coverage{First: 100, Last: 900}))
	cov, _, err = idx.Coverage("gmane.test.group")
	require.NoError(t, err)
	require.Equal(t, int64(900), cov.Last)
}

func TestInMemoryIndex(t *testing.T) {
	idx, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer idx.Close()

	require.True(t, idx.Fresh())
	require.NoError(t, idx.Insert(testEntry("mem@example.org")))
	ok, err := idx.Contains("mem@example.org")
	require.NoError(t, err)
	require.True(t, ok)
}
