package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventTypeRangeResolved EventType = "range_resolved"
	EventTypeFetched       EventType = "fetched"
	EventTypeArchived      EventType = "archived"
	EventTypeDuplicate     EventType = "duplicate"
	EventTypeSkipped       EventType = "skipped"
	EventTypeCheckpoint    EventType = "checkpoint"
	EventTypeDryRun        EventType = "dry_run"
	EventTypeError         EventType = "error"
)

// Event is one structured progress observation from a sync run. Observers
// never feed back into the run; losing them changes nothing but output.
type Event struct {
	Group     string
	Type      EventType
	Seq       int64
	MessageID string
	Percent   float64
	Total     int64
	Err       error
	Detail    string
}

type Summary struct {
	Fetched     int
	Archived    int
	Duplicates  int
	Skipped     int
	Checkpoints int
	DryRun      int
	Errors      int
	LastError   error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"archived", s.Archived,
		"duplicates", s.Duplicates,
		"skipped", s.Skipped,
		"checkpoints", s.Checkpoints,
		"dryRun", s.DryRun,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeArchived:
		c.summary.Archived++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeCheckpoint:
		c.summary.Checkpoints++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

// EventStream is anything observers can subscribe to for sync events.
type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
