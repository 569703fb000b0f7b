package index

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/bockthom/nntp2mbox/model"
)

// ErrDuplicate reports an insert for a message id that is already indexed.
// Callers that only care about "the message is archived" treat it as success.
var ErrDuplicate = errors.New("index: duplicate message id")

// SQLite pragmas, after the syftbox journal setup. One writer, WAL so the
// archive replay bootstrap can run in a single big transaction.
const pragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=8000;
`

const schema = `
CREATE TABLE IF NOT EXISTS articles (
    message_id TEXT PRIMARY KEY,
    date       TEXT NOT NULL, -- RFC3339
    sender     TEXT NOT NULL,
    subject    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS coverage (
    grp       TEXT PRIMARY KEY,
    first_seq INTEGER NOT NULL,
    last_seq  INTEGER NOT NULL
);
`

type dbEntry struct {
	MessageID string `db:"message_id"`
	Date      string `db:"date"`
	Sender    string `db:"sender"`
	Subject   string `db:"subject"`
}

type dbCoverage struct {
	Group string `db:"grp"`
	First int64  `db:"first_seq"`
	Last  int64  `db:"last_seq"`
}

// Coverage is the exact contiguous sequence range previous runs have fully
// mirrored for a group. Boundary search is only valid over covered prefixes.
type Coverage struct {
	First int64
	Last  int64
}

// Index is the durable dedup lookup for one group's archive. Writes are
// batched in a transaction that callers checkpoint with Commit.
type Index struct {
	db     *sqlx.DB
	tx     *sqlx.Tx
	path   string
	fresh  bool
	logger *slog.Logger
}

// Open creates or opens the index database. A database that did not exist
// before must be bootstrapped from the archive before it is trusted.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("index path is empty")
	}

	// ":memory:" backs dry runs against archives that have no index yet.
	dsn := ":memory:"
	fresh := true
	if path != ":memory:" {
		_, statErr := os.Stat(path)
		fresh = errors.Is(statErr, os.ErrNotExist)
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set index pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}

	return &Index{db: db, path: path, fresh: fresh, logger: logger}, nil
}

// Fresh reports whether the database file was created by this Open call.
func (i *Index) Fresh() bool {
	return i.fresh
}

// Bootstrap imports every message already present in the archive into a fresh
// index. It runs at most once per archive lifetime and must complete before
// any synchronization.
func (i *Index) Bootstrap(replay func(func(model.IndexEntry) error) error) (int, error) {
	imported := 0
	err := replay(func(entry model.IndexEntry) error {
		if err := i.Insert(entry); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return nil
			}
			return err
		}
		imported++
		return nil
	})
	if err != nil {
		return imported, fmt.Errorf("bootstrap index: %w", err)
	}

	if err := i.Commit(); err != nil {
		return imported, err
	}

	i.fresh = false
	if i.logger != nil {
		i.logger.Info("index bootstrapped from archive", "path", i.path, "imported", imported)
	}
	return imported, nil
}

// Contains reports whether the message id is already indexed. Uncommitted
// inserts of the current batch are visible.
func (i *Index) Contains(messageID string) (bool, error) {
	tx, err := i.writer()
	if err != nil {
		return false, err
	}

	var one int
	err = tx.Get(&one, "SELECT 1 FROM articles WHERE message_id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query index for %s: %w", messageID, err)
	}
	return true, nil
}

// Insert records one index entry. Returns ErrDuplicate when the message id is
// already present.
func (i *Index) Insert(entry model.IndexEntry) error {
	tx, err := i.writer()
	if err != nil {
		return err
	}

	row := dbEntry{
		MessageID: entry.MessageID,
		Date:      entry.Date.UTC().Format(time.RFC3339),
		Sender:    entry.Sender,
		Subject:   entry.Subject,
	}

	_, err = tx.NamedExec(
		"INSERT INTO articles (message_id, date, sender, subject) VALUES (:message_id, :date, :sender, :subject)",
		row,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicate, entry.MessageID)
		}
		return fmt.Errorf("insert index entry %s: %w", entry.MessageID, err)
	}
	return nil
}

// Coverage returns the contiguous range recorded for the group, if any.
func (i *Index) Coverage(group string) (Coverage, bool, error) {
	tx, err := i.writer()
	if err != nil {
		return Coverage{}, false, err
	}

	var row dbCoverage
	err = tx.Get(&row, "SELECT grp, first_seq, last_seq FROM coverage WHERE grp = ?", group)
	if errors.Is(err, sql.ErrNoRows) {
		return Coverage{}, false, nil
	}
	if err != nil {
		return Coverage{}, false, fmt.Errorf("query coverage for %s: %w", group, err)
	}
	return Coverage{First: row.First, Last: row.Last}, true, nil
}

// SetCoverage records the contiguous range covered for the group.
func (i *Index) SetCoverage(group string, cov Coverage) error {
	tx, err := i.writer()
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO coverage (grp, first_seq, last_seq) VALUES (?, ?, ?)
		 ON CONFLICT(grp) DO UPDATE SET first_seq = excluded.first_seq, last_seq = excluded.last_seq`,
		group, cov.First, cov.Last,
	)
	if err != nil {
		return fmt.Errorf("set coverage for %s: %w", group, err)
	}
	return nil
}

// Commit makes the current batch of inserts durable. The next write opens a
// new batch.
func (i *Index) Commit() error {
	if i.tx == nil {
		return nil
	}
	if err := i.tx.Commit(); err != nil {
		i.tx = nil
		return fmt.Errorf("commit index batch: %w", err)
	}
	i.tx = nil
	return nil
}

// Close commits any pending batch and closes the database.
func (i *Index) Close() error {
	commitErr := i.Commit()
	if err := i.db.Close(); err != nil {
		if commitErr == nil {
			commitErr = fmt.Errorf("close index: %w", err)
		}
	}
	return commitErr
}

// writer returns the transaction of the current batch, starting one when
// needed. All reads also go through it so the batch sees its own writes on
// the single pooled connection.
func (i *Index) writer() (*sqlx.Tx, error) {
	if i.tx != nil {
		return i.tx, nil
	}
	tx, err := i.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin index batch: %w", err)
	}
	i.tx = tx
	return i.tx, nil
}
