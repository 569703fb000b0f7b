package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bockthom/nntp2mbox/fetch"
	"github.com/bockthom/nntp2mbox/index"
	"github.com/bockthom/nntp2mbox/model"
	"github.com/bockthom/nntp2mbox/nntp"
	"github.com/bockthom/nntp2mbox/stats"
)

// Remote is the numbered article source one run mirrors from.
type Remote interface {
	Group(name string) (model.GroupInfo, error)
	Stat(seq int64) (model.ArticleInfo, error)
	Article(seq int64) (model.Article, error)
}

// Archive is the append-only local store for fetched articles.
type Archive interface {
	Append(article model.Article) error
	Flush() error
	Replay(fn func(model.IndexEntry) error) error
}

// Index is the durable dedup lookup paired with the archive.
type Index interface {
	Fresh() bool
	Bootstrap(replay func(func(model.IndexEntry) error) error) (int, error)
	Contains(messageID string) (bool, error)
	Insert(entry model.IndexEntry) error
	Coverage(group string) (index.Coverage, bool, error)
	SetCoverage(group string, cov index.Coverage) error
	Commit() error
}

type Options struct {
	Group       string
	Start       int64 // 0 = not given
	Count       int64 // 0 = no limit
	Incremental bool
	Aggressive  bool // skip the pause after each checkpoint
	DryRun      bool
	MaxAttempts int
	RetryDelay  time.Duration
	BatchSize   int
	Pause       time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = fetch.DefaultDelay
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.Pause <= 0 {
		o.Pause = 30 * time.Second
	}
	return o
}

// Range is a resolved inclusive span of sequence numbers for one run.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Total() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Result summarizes one group's run.
type Result struct {
	Group      string
	Range      Range
	Fetched    int
	Archived   int
	Duplicates int
	Skipped    int
	Errors     int
	DryRun     bool
}

// Syncer mirrors one group. It owns the event stream observers subscribe to;
// all remote calls and store writes happen on the calling goroutine, strictly
// sequentially, because the remote is rate-sensitive and probe order is
// load-bearing for the boundary search.
type Syncer struct {
	opts    Options
	remote  Remote
	archive Archive
	idx     Index
	clock   clockwork.Clock
	logger  *slog.Logger

	events  chan stats.Event
	statsWG sync.WaitGroup

	closeEventsOnce sync.Once
}

func New(opts Options, remote Remote, archive Archive, idx Index, clock clockwork.Clock, logger *slog.Logger) (*Syncer, error) {
	if opts.Group == "" {
		return nil, fmt.Errorf("group name is empty")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote must not be nil")
	}
	if archive == nil {
		return nil, fmt.Errorf("archive must not be nil")
	}
	if idx == nil {
		return nil, fmt.Errorf("index must not be nil")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Syncer{
		opts:    opts.withDefaults(),
		remote:  remote,
		archive: archive,
		idx:     idx,
		clock:   clock,
		logger:  logger,
		events:  make(chan stats.Event, 128),
	}, nil
}

// SubscribeStats attaches an observer goroutine to the event stream. Must be
// called before Run.
func (s *Syncer) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	s.statsWG.Add(1)
	go func() {
		defer s.statsWG.Done()
		if err := fn(context.Background(), s.events); err != nil && !errors.Is(err, context.Canceled) {
			if s.logger != nil {
				s.logger.Warn("stats subscriber failed", "name", name, "err", err)
			}
		}
	}()
}

// Run executes one synchronization pass and blocks until the observers have
// drained the event stream.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	defer func() {
		s.closeEvents()
		s.statsWG.Wait()
	}()

	result, err := s.run(ctx)
	if err != nil {
		s.emit(stats.Event{Group: s.opts.Group, Type: stats.EventTypeError, Err: err})
	}
	return result, err
}

func (s *Syncer) run(ctx context.Context) (Result, error) {
	result := Result{Group: s.opts.Group, DryRun: s.opts.DryRun}

	info, err := s.remote.Group(s.opts.Group)
	if err != nil {
		return result, fmt.Errorf("select group %s: %w", s.opts.Group, err)
	}
	if s.logger != nil {
		s.logger.Info("group selected", "group", info.Name, "count", info.Count, "first", info.First, "last", info.Last)
	}

	if s.idx.Fresh() {
		imported, err := s.idx.Bootstrap(s.archive.Replay)
		if err != nil {
			return result, fmt.Errorf("bootstrap index for %s: %w", s.opts.Group, err)
		}
		if s.logger != nil && imported > 0 {
			s.logger.Info("imported existing archive into index", "group", s.opts.Group, "imported", imported)
		}
	}

	rng, err := s.resolveRange(ctx, info)
	if err != nil {
		return result, err
	}
	result.Range = rng

	s.emit(stats.Event{
		Group:  s.opts.Group,
		Type:   stats.EventTypeRangeResolved,
		Seq:    rng.Start,
		Total:  rng.Total(),
		Detail: fmt.Sprintf("articles %d to %d", rng.Start, rng.End),
	})

	if rng.Total() == 0 {
		if s.logger != nil {
			s.logger.Info("nothing to fetch", "group", s.opts.Group)
		}
		return result, nil
	}

	if s.logger != nil {
		s.logger.Info("resolved fetch range", "group", s.opts.Group, "start", rng.Start, "end", rng.End, "total", rng.Total())
	}

	if s.opts.DryRun {
		s.emit(stats.Event{Group: s.opts.Group, Type: stats.EventTypeDryRun, Seq: rng.Start, Total: rng.Total(), Percent: 100})
		if s.logger != nil {
			s.logger.Info("dry run, no articles fetched", "group", s.opts.Group, "wouldFetch", rng.Total())
		}
		return result, nil
	}

	if err := s.mirror(ctx, rng, &result); err != nil {
		return result, err
	}

	if err := s.checkpoint(); err != nil {
		return result, err
	}

	if err := s.updateCoverage(rng); err != nil {
		return result, err
	}
	if err := s.idx.Commit(); err != nil {
		return result, err
	}

	return result, nil
}

// mirror walks the resolved range in ascending order, fetching and committing
// one article at a time. A failing article is logged and skipped; only store
// failures and cancellation end the run early.
func (s *Syncer) mirror(ctx context.Context, rng Range, result *Result) error {
	policy := fetch.Policy{
		MaxAttempts: s.opts.MaxAttempts,
		Delay:       s.opts.RetryDelay,
		Clock:       s.clock,
	}

	total := rng.Total()
	processed := int64(0)

	for seq := rng.Start; seq <= rng.End; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		article, err := fetch.Do(ctx, policy, seq, s.remote.Article)
		processed++
		percent := float64(processed) / float64(total) * 100

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.skip(seq, percent, err, result)
			continue
		}

		result.Fetched++
		s.emit(stats.Event{Group: s.opts.Group, Type: stats.EventTypeFetched, Seq: seq, MessageID: article.MessageID, Percent: percent})

		if article.MessageID == "" {
			s.skip(seq, percent, fmt.Errorf("article %d has no message id", seq), result)
			continue
		}

		committed, err := s.commit(article)
		if err != nil {
			var writeErr *indexWriteError
			if errors.As(err, &writeErr) {
				// The item is lost but the run goes on.
				s.skip(seq, percent, err, result)
				continue
			}
			return err
		}
		if committed {
			result.Archived++
			s.emit(stats.Event{Group: s.opts.Group, Type: stats.EventTypeArchived, Seq: seq, MessageID: article.MessageID, Percent: percent})
			if s.logger != nil {
				s.logger.Debug("archived article", "group", s.opts.Group, "seq", seq, "messageID", article.MessageID, "percent", fmt.Sprintf("%.1f", percent))
			}
		} else {
			result.Duplicates++
			s.emit(stats.Event{Group: s.opts.Group, Type: stats.EventTypeDuplicate, Seq: seq, MessageID: article.MessageID, Percent: percent})
		}

		if processed%int64(s.opts.BatchSize) == 0 && seq != rng.End {
			if err := s.checkpoint(); err != nil {
				return err
			}
			s.emit(stats.Event{Group: s.opts.Group, Type: stats.EventTypeCheckpoint, Seq: seq, Percent: percent})
			if !s.opts.Aggressive {
				if s.logger != nil {
					s.logger.Info("pausing between batches", "group", s.opts.Group, "seq", seq, "pause", s.opts.Pause)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.clock.After(s.opts.Pause):
				}
			}
		}
	}

	return nil
}

// indexWriteError marks an index insert failure that abandons the current
// article but not the run.
type indexWriteError struct {
	seq int64
	err error
}

func (e *indexWriteError) Error() string {
	return fmt.Sprintf("index article %d: %v", e.seq, e.err)
}

func (e *indexWriteError) Unwrap() error {
	return e.err
}

// commit stores one article in the archive and the index as one logical unit.
// The archive append goes first: an index entry without an archived message
// would make the boundary search skip the message forever, while the reverse
// only costs a duplicate append that the next bootstrap can repair.
func (s *Syncer) commit(article model.Article) (bool, error) {
	indexed, err := s.idx.Contains(article.MessageID)
	if err != nil {
		return false, fmt.Errorf("check index for %s: %w", article.MessageID, err)
	}
	if indexed {
		return false, nil
	}

	if err := s.archive.Append(article); err != nil {
		return false, fmt.Errorf("append article %d: %w", article.Seq, err)
	}

	if err := s.idx.Insert(article.Entry()); err != nil {
		if errors.Is(err, index.ErrDuplicate) {
			return true, nil
		}
		return false, &indexWriteError{seq: article.Seq, err: err}
	}

	return true, nil
}

// skip records a per-article failure without ending the run.
func (s *Syncer) skip(seq int64, percent float64, err error, result *Result) {
	var exhausted *fetch.ExhaustedError

	switch {
	case errors.Is(err, nntp.ErrNoSuchArticle):
		result.Skipped++
		if s.logger != nil {
			s.logger.Debug("article gap", "group", s.opts.Group, "seq", seq)
		}
		s.emit(stats.Event{Group: s.opts.Group, Type: stats.EventTypeSkipped, Seq: seq, Percent: percent, Detail: "no such article"})
	case errors.As(err, &exhausted):
		result.Skipped++
		result.Errors++
		if s.logger != nil {
			s.logger.Warn("retries exhausted, skipping article", "group", s.opts.Group, "seq", seq, "attempts", exhausted.Attempts, "err", exhausted.Last)
		}
		s.emit(stats.Event{Group: s.opts.Group, Type: stats.EventTypeSkipped, Seq: seq, Percent: percent, Err: err})
	default:
		result.Skipped++
		result.Errors++
		if s.logger != nil {
			s.logger.Warn("skipping article", "group", s.opts.Group, "seq", seq, "err", err)
		}
		s.emit(stats.Event{Group: s.opts.Group, Type: stats.EventTypeSkipped, Seq: seq, Percent: percent, Err: err})
	}
}

// checkpoint flushes the archive before committing the index, so the index
// can never claim a message the archive might not have.
func (s *Syncer) checkpoint() error {
	if err := s.archive.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	if err := s.idx.Commit(); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}

func (s *Syncer) emit(evt stats.Event) {
	s.events <- evt
}

func (s *Syncer) closeEvents() {
	s.closeEventsOnce.Do(func() {
		close(s.events)
	})
}
