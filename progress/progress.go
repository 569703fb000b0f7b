package progress

import (
	"context"
	"sync"

	"github.com/pterm/pterm"

	"github.com/bockthom/nntp2mbox/stats"
)

// Bar renders a progress bar for one group's sync run. It is a pure observer
// of the stats stream; the bar starts once the run reports its resolved range.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar. It stays quiet unless logLevel is "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Update advances the bar based on one event.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeRangeResolved:
		if evt.Total == 0 {
			pterm.Info.Printfln("%s: nothing to fetch", evt.Group)
			return
		}
		pterm.Info.Printfln("%s: %s (%d articles)", evt.Group, evt.Detail, evt.Total)
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(int(evt.Total)).
			WithTitle("Mirroring " + evt.Group).
			Start()
		b.pb = pb
	case stats.EventTypeFetched:
		if b.pb == nil {
			return
		}
		b.pb.Increment()
		if evt.MessageID != "" {
			displayID := evt.MessageID
			if len(displayID) > 40 {
				displayID = displayID[:37] + "..."
			}
			b.pb.UpdateTitle("Mirroring: " + displayID)
		}
	case stats.EventTypeSkipped:
		if b.pb == nil {
			return
		}
		b.pb.Increment()
	case stats.EventTypeDryRun:
		pterm.Info.Printfln("%s: dry run, %d articles would be fetched", evt.Group, evt.Total)
	case stats.EventTypeCheckpoint:
		// The pause after a checkpoint is long; say why the bar stalls.
		pterm.Info.Printfln("%s: checkpoint at article %d", evt.Group, evt.Seq)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printfln("Error: %v", evt.Err)
		}
	}
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Subscriber adapts the bar to the stats subscription signature.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}
