package fetch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saudelab/susetl/pkg/batch"
	"github.com/saudelab/susetl/pkg/observability"
	"github.com/saudelab/susetl/pkg/unit"
)

// Default retry policy for unit downloads.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
)

// Retrier wraps a Fetcher with a bounded retry loop. Each attempt is an
// independent call with its own attempt index; a terminal classification
// short-circuits the remaining attempts without sleeping.
type Retrier struct {
	Attempts int
	Backoff  time.Duration
	Log      logrus.FieldLogger

	// sleep is overridable for tests.
	sleep func(time.Duration)
}

// NewRetrier builds a Retrier with the default policy.
func NewRetrier(log logrus.FieldLogger) *Retrier {
	return &Retrier{
		Attempts: DefaultAttempts,
		Backoff:  DefaultBackoff,
		Log:      log.WithField("component", "fetch-retry"),
		sleep:    time.Sleep,
	}
}

// Fetch downloads one unit through f, retrying transient failures up to the
// attempt ceiling. It returns the raw batch, or an *Error tagged
// KindNotFound (terminal, first occurrence) or KindExhausted (ceiling hit).
func (r *Retrier) Fetch(ctx context.Context, f Fetcher, key unit.Key) (*batch.Table, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	backoff := r.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	sleep := r.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: KindTransient, Unit: key, Err: err}
		}

		table, err := f.FetchUnit(ctx, key)

		switch {
		case err == nil && table.Len() > 0:
			observability.FetchAttempts.WithLabelValues("success").Inc()
			return table, nil

		case err == nil:
			// A "no data" response without an explicit not-found signal is
			// treated as transient: the competence month may not be
			// published yet.
			lastErr = ErrEmptyResponse

		case Classify(err) == KindNotFound:
			observability.FetchAttempts.WithLabelValues("not_found").Inc()
			r.Log.WithField("unit", key.Label()).WithError(err).
				Warn("Remote confirmed resource absent; not retrying")

			return nil, &Error{Kind: KindNotFound, Unit: key, Err: err}

		default:
			lastErr = err
		}

		observability.FetchAttempts.WithLabelValues("transient_error").Inc()

		if attempt < attempts {
			r.Log.WithField("unit", key.Label()).
				WithField("attempt", attempt).
				WithError(lastErr).
				Warn("Transient fetch failure; backing off")
			sleep(backoff)
		}
	}

	return nil, &Error{Kind: KindExhausted, Unit: key, Err: lastErr}
}
