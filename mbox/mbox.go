package mbox

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/gofrs/flock"

	"github.com/bockthom/nntp2mbox/model"
)

// ErrLocked reports that another run already holds the archive.
var ErrLocked = errors.New("mbox archive is locked by another process")

// Archive is an append-only mbox file holding every mirrored article of one
// group. It is exclusively locked for the lifetime of a run; messages are
// appended, never rewritten.
type Archive struct {
	path   string
	file   *os.File
	writer *mboxlib.Writer
	lock   *flock.Flock
	logger *slog.Logger
}

// Open acquires the archive lock and opens the file for appending, creating
// it when missing.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock mbox %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open mbox %s: %w", path, err)
	}

	return &Archive{
		path:   path,
		file:   file,
		writer: mboxlib.NewWriter(file),
		lock:   lock,
		logger: logger,
	}, nil
}

// Path returns the archive file path.
func (a *Archive) Path() string {
	return a.path
}

// Append writes one article to the end of the archive.
func (a *Archive) Append(article model.Article) error {
	from := fromLineAddress(article.Sender)
	date := article.Date
	if date.IsZero() {
		date = time.Now()
	}

	msgWriter, err := a.writer.CreateMessage(from, date)
	if err != nil {
		return fmt.Errorf("mbox create message: %w", err)
	}
	if _, err := msgWriter.Write(article.Raw); err != nil {
		return fmt.Errorf("mbox write message %s: %w", article.MessageID, err)
	}

	return nil
}

// Flush forces buffered writes down to stable storage.
func (a *Archive) Flush() error {
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync mbox: %w", err)
	}
	return nil
}

// Close finalizes the mbox, syncs it and releases the lock.
func (a *Archive) Close() error {
	var firstErr error
	if err := a.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mbox writer: %w", err)
	}
	if err := a.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync mbox: %w", err)
	}
	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mbox: %w", err)
	}
	if err := a.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unlock mbox: %w", err)
	}
	return firstErr
}

// Replay re-reads the archive from the start and yields one index entry per
// stored message. Used to bootstrap a fresh dedup index from an archive that
// predates it. Messages without a Message-Id header are logged and skipped.
func (a *Archive) Replay(fn func(model.IndexEntry) error) error {
	return replay(a.path, a.logger, fn)
}

// View is a read-only handle on an archive, used by dry runs: it can replay
// the stored messages but never creates, locks or mutates the file.
type View struct {
	path   string
	logger *slog.Logger
}

func NewView(path string, logger *slog.Logger) *View {
	return &View{path: path, logger: logger}
}

func (v *View) Replay(fn func(model.IndexEntry) error) error {
	return replay(v.path, v.logger, fn)
}

func (v *View) Append(model.Article) error {
	return fmt.Errorf("mbox view is read-only")
}

func (v *View) Flush() error {
	return nil
}

func replay(path string, logger *slog.Logger, fn func(model.IndexEntry) error) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open mbox for replay: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("replay message %d: %w", idx, err)
		}

		entry, err := parseEntry(msgReader)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping unparsable archived message", "path", path, "index", idx, "err", err)
			}
			continue
		}
		if entry.MessageID == "" {
			if logger != nil {
				logger.Warn("skipping archived message without message-id", "path", path, "index", idx)
			}
			continue
		}

		if err := fn(entry); err != nil {
			return err
		}
	}
}

// Count returns the number of messages currently stored in an mbox file.
func Count(path string) (int, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, err
		}
		count++
	}
}

func parseEntry(r io.Reader) (model.IndexEntry, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return model.IndexEntry{}, err
	}

	id := strings.TrimSpace(msg.Header.Get("Message-Id"))
	if id == "" {
		id = strings.TrimSpace(msg.Header.Get("Message-ID"))
	}
	id = strings.Trim(id, " <>")

	var date time.Time
	if d := msg.Header.Get("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			date = t
		}
	}

	return model.IndexEntry{
		MessageID: id,
		Date:      date,
		Sender:    strings.TrimSpace(msg.Header.Get("From")),
		Subject:   strings.TrimSpace(msg.Header.Get("Subject")),
	}, nil
}

// fromLineAddress derives the mbox From-line address from the article sender.
func fromLineAddress(sender string) string {
	if sender == "" {
		return "nntp2mbox"
	}
	if addr, err := mail.ParseAddress(sender); err == nil && addr.Address != "" {
		return addr.Address
	}
	return "nntp2mbox"
}
