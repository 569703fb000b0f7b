package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bockthom/nntp2mbox/nntp"
)

// DefaultDelay is the pause between retries of a transiently failing call.
const DefaultDelay = 5 * time.Second

// ExhaustedError reports that every allowed attempt for one sequence number
// failed transiently. It is recoverable at the caller: skip the article and
// move on.
type ExhaustedError struct {
	Seq      int64
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch %d: giving up after %d transient failures: %v", e.Seq, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Policy bounds the retry loop. The clock is injectable so tests can drive
// the delays.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Clock       clockwork.Clock
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Delay <= 0 {
		p.Delay = DefaultDelay
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	return p
}

// Do runs op(seq) with bounded retry. Only transient remote failures are
// retried, after the policy delay; any other error is returned to the caller
// on the first occurrence. Exhausting all attempts yields an ExhaustedError.
func Do[T any](ctx context.Context, p Policy, seq int64, op func(int64) (T, error)) (T, error) {
	p = p.withDefaults()

	var (
		zero T
		last error
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(seq)
		if err == nil {
			return result, nil
		}
		if !nntp.IsTransient(err) {
			return zero, err
		}
		last = err

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-p.Clock.After(p.Delay):
		}
	}

	return zero, &ExhaustedError{Seq: seq, Attempts: p.MaxAttempts, Last: last}
}
