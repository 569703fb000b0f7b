package nntp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/bockthom/nntp2mbox/model"
)

// ErrNoSuchArticle reports a gap in the remote numbering: the sequence number
// is inside the advertised range but the article is absent or retracted.
var ErrNoSuchArticle = errors.New("nntp: no such article")

// TransientError is a remote condition expected to clear after a short wait
// (service paused, rate limiting, try-again responses).
type TransientError struct {
	Code int
	Msg  string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("nntp: transient %d %s", e.Code, e.Msg)
}

// PermanentError is any remote failure that retrying will not fix.
type PermanentError struct {
	Code int
	Msg  string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("nntp: permanent %d %s", e.Code, e.Msg)
}

// IsTransient reports whether err should be retried after a pause.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type Options struct {
	Host        string
	Port        int
	DialTimeout time.Duration
}

// Client is a single-connection NNTP reader session. Commands are issued
// strictly sequentially; the client is not safe for concurrent use.
type Client struct {
	conn   net.Conn
	text   *textproto.Conn
	logger *slog.Logger
}

// Dial connects to the news server and consumes the greeting.
func Dial(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("nntp host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("nntp port must be positive")
	}

	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial nntp %s: %w", address, err)
	}

	client := &Client{
		conn:   conn,
		text:   textproto.NewConn(conn),
		logger: logger,
	}

	// 200 = posting allowed, 201 = reading only. Both are fine for a mirror.
	code, msg, err := client.text.ReadCodeLine(20)
	if err != nil {
		_ = client.text.Close()
		return nil, classify(fmt.Errorf("greeting: %w", err))
	}

	if logger != nil {
		logger.Debug("nntp connection established", "address", address, "code", code, "greeting", msg)
	}

	return client, nil
}

// Group selects the group and returns its article range.
func (c *Client) Group(name string) (model.GroupInfo, error) {
	msg, err := c.cmd(211, "GROUP %s", name)
	if err != nil {
		return model.GroupInfo{}, classify(fmt.Errorf("group %s: %w", name, err))
	}

	// 211 count first last group
	fields := strings.Fields(msg)
	if len(fields) < 4 {
		return model.GroupInfo{}, &PermanentError{Code: 211, Msg: fmt.Sprintf("malformed GROUP response %q", msg)}
	}

	count, err1 := strconv.ParseInt(fields[0], 10, 64)
	first, err2 := strconv.ParseInt(fields[1], 10, 64)
	last, err3 := strconv.ParseInt(fields[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return model.GroupInfo{}, &PermanentError{Code: 211, Msg: fmt.Sprintf("malformed GROUP response %q", msg)}
	}

	return model.GroupInfo{Name: fields[3], Count: count, First: first, Last: last}, nil
}

// Stat asks for the message-id of one article without transferring it.
func (c *Client) Stat(seq int64) (model.ArticleInfo, error) {
	msg, err := c.cmd(223, "STAT %d", seq)
	if err != nil {
		return model.ArticleInfo{}, classify(fmt.Errorf("stat %d: %w", seq, err))
	}

	number, id, err := parseArticleLine(msg)
	if err != nil {
		return model.ArticleInfo{}, &PermanentError{Code: 223, Msg: err.Error()}
	}

	return model.ArticleInfo{Seq: number, MessageID: id}, nil
}

// Article fetches one article in full and parses the headers the archive and
// index care about.
func (c *Client) Article(seq int64) (model.Article, error) {
	id, err := c.text.Cmd("ARTICLE %d", seq)
	if err != nil {
		return model.Article{}, classify(fmt.Errorf("article %d: %w", seq, err))
	}

	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, msg, err := c.text.ReadCodeLine(220)
	if err != nil {
		return model.Article{}, classify(fmt.Errorf("article %d: %w", seq, err))
	}

	number, responseID, err := parseArticleLine(msg)
	if err != nil {
		return model.Article{}, &PermanentError{Code: code, Msg: err.Error()}
	}

	raw, err := io.ReadAll(c.text.DotReader())
	if err != nil {
		return model.Article{}, classify(fmt.Errorf("article %d body: %w", seq, err))
	}

	article, err := parseArticle(raw)
	if err != nil {
		return model.Article{}, &PermanentError{Code: code, Msg: fmt.Sprintf("article %d: %v", seq, err)}
	}

	article.Seq = number
	if article.MessageID == "" {
		article.MessageID = responseID
	}

	return article, nil
}

// ListActive lists the groups the server carries, optionally narrowed by a
// wildmat pattern.
func (c *Client) ListActive(wildmat string) ([]model.GroupInfo, error) {
	var (
		id  uint
		err error
	)
	if wildmat == "" {
		id, err = c.text.Cmd("LIST ACTIVE")
	} else {
		id, err = c.text.Cmd("LIST ACTIVE %s", wildmat)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("list active: %w", err))
	}

	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	if _, _, err := c.text.ReadCodeLine(215); err != nil {
		return nil, classify(fmt.Errorf("list active: %w", err))
	}

	lines, err := c.text.ReadDotLines()
	if err != nil {
		return nil, classify(fmt.Errorf("list active body: %w", err))
	}

	groups := make([]model.GroupInfo, 0, len(lines))
	for _, line := range lines {
		// group high low status
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		high, err1 := strconv.ParseInt(fields[1], 10, 64)
		low, err2 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		count := high - low + 1
		if count < 0 {
			count = 0
		}
		groups = append(groups, model.GroupInfo{Name: fields[0], First: low, Last: high, Count: count})
	}

	return groups, nil
}

// Quit ends the session politely and closes the connection.
func (c *Client) Quit() error {
	_, quitErr := c.cmd(205, "QUIT")
	closeErr := c.text.Close()
	if quitErr != nil {
		return classify(fmt.Errorf("quit: %w", quitErr))
	}
	return closeErr
}

// Close tears the connection down without the QUIT exchange.
func (c *Client) Close() error {
	return c.text.Close()
}

func (c *Client) cmd(expectCode int, format string, args ...any) (string, error) {
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		return "", err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	_, msg, err := c.text.ReadCodeLine(expectCode)
	return msg, err
}

// classify maps low-level textproto and network errors onto the retry
// taxonomy. Try-later codes become TransientError, the no-such-article codes
// become ErrNoSuchArticle, everything else (including 480, which waiting
// cannot fix) is permanent.
func classify(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case 400, 403, 503:
			return &TransientError{Code: protoErr.Code, Msg: protoErr.Msg}
		case 423, 430:
			return fmt.Errorf("%w (%d %s)", ErrNoSuchArticle, protoErr.Code, protoErr.Msg)
		default:
			return &PermanentError{Code: protoErr.Code, Msg: protoErr.Msg}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Code: 0, Msg: err.Error()}
	}

	return err
}

// parseArticleLine splits the "n <message-id>" payload of STAT/ARTICLE
// responses.
func parseArticleLine(msg string) (int64, string, error) {
	fields := strings.Fields(msg)
	if len(fields) < 2 {
		return 0, "", fmt.Errorf("malformed article response %q", msg)
	}
	number, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed article number in %q", msg)
	}
	return number, strings.Trim(fields[1], "<>"), nil
}

func parseArticle(raw []byte) (model.Article, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return model.Article{}, err
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

	sender := strings.TrimSpace(msg.Header.Get("From"))
	subject := strings.TrimSpace(msg.Header.Get("Subject"))

	return model.Article{
		MessageID: id,
		Date:      date,
		Sender:    sender,
		Subject:   subject,
		Raw:       raw,
	}, nil
}
