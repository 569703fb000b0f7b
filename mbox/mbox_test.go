package mbox

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bockthom/nntp2mbox/model"
)

func testArticle(seq int64) model.Article {
	id := fmt.Sprintf("msg-%d@example.org", seq)
	raw := fmt.Sprintf(
		"Message-Id: <%s>\nDate: Mon, 02 Jan 2006 15:04:05 -0700\nFrom: Alice <alice@example.org>\nSubject: article %d\n\nbody of article %d\n",
		id, seq, seq,
	)
	return model.Article{
		Seq:       seq,
		MessageID: id,
		Date:      time.Date(2006, 1, 2, 15, 4, 5, 0, time.FixedZone("", -7*3600)),
		Sender:    "Alice <alice@example.org>",
		Subject:   fmt.Sprintf("article %d", seq),
		Raw:       []byte(raw),
	}
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.mbox")

	archive, err := Open(path, nil)
	require.NoError(t, err)

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, archive.Append(testArticle(seq)))
	}
	require.NoError(t, archive.Flush())
	require.NoError(t, archive.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	var entries []model.IndexEntry
	require.NoError(t, reopened.Replay(func(entry model.IndexEntry) error {
		entries = append(entries, entry)
		return nil
	}))

	require.Len(t, entries, 3)
	for i, entry := range entries {
		require.Equal(t, fmt.Sprintf("msg-%d@example.org", i+1), entry.MessageID)
		require.Equal(t, "Alice <alice@example.org>", entry.Sender)
		require.Equal(t, fmt.Sprintf("article %d", i+1), entry.Subject)
		require.False(t, entry.Date.IsZero())
	}
}

func TestReplayMissingFileIsEmpty(t *testing.T) {
	view := NewView(filepath.Join(t.TempDir(), "absent.mbox"), nil)
	require.NoError(t, view.Replay(func(model.IndexEntry) error {
		t.Fatal("no entries expected")
		return nil
	}))
}

func TestAppendAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.mbox")

	for seq := int64(1); seq <= 2; seq++ {
		archive, err := Open(path, nil)
		require.NoError(t, err)
		require.NoError(t, archive.Append(testArticle(seq)))
		require.NoError(t, archive.Close())
	}

	count, err := Count(path)
	require.NoError(t, err)
	require.Equal(t, 2, count, "append never truncates")
}

func TestOpenIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.mbox")

	archive, err := Open(path, nil)
	require.NoError(t, err)
	defer archive.Close()

	_, err = Open(path, nil)
	require.ErrorIs(t, err, ErrLocked)
}

func TestViewDoesNotCreateOrWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.mbox")
	view := NewView(path, nil)

	require.Error(t, view.Append(testArticle(1)))
	require.NoError(t, view.Flush())

	_, err := os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist, "a view must not create the archive")
}

func TestCountMissingFile(t *testing.T) {
	count, err := Count(filepath.Join(t.TempDir(), "absent.mbox"))
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestFromLineAddress(t *testing.T) {
	tests := []struct {
		sender string
		want   string
	}{
		{sender: "Alice <alice@example.org>", want: "alice@example.org"},
		{sender: "alice@example.org", want: "alice@example.org"},
		{sender: "", want: "nntp2mbox"},
		{sender: "not an address", want: "nntp2mbox"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, fromLineAddress(tt.sender), "sender %q", tt.sender)
	}
}
