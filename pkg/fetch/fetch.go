// Package fetch defines the remote acquisition boundary: the Fetcher
// interface implemented by source adapters, the tagged error kinds used to
// classify failures, and the bounded retry loop around one unit download.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/saudelab/susetl/pkg/batch"
	"github.com/saudelab/susetl/pkg/unit"
)

// Kind classifies a fetch failure. Classification happens once, at the
// adapter boundary; everything above works with the tagged value.
type Kind string

const (
	// KindTransient marks failures where retrying may succeed (timeouts,
	// connection errors, truncated payloads).
	KindTransient Kind = "TRANSIENT"
	// KindNotFound marks the terminal condition: the server confirmed the
	// resource does not exist. Retrying is pointless.
	KindNotFound Kind = "NOT_FOUND"
	// KindExhausted marks a unit that failed every allowed attempt.
	KindExhausted Kind = "EXHAUSTED"
)

// ErrEmptyResponse is the transient failure used when the remote returned
// successfully but delivered no rows.
var ErrEmptyResponse = errors.New("remote returned no rows")

// Error is the tagged failure crossing the retry boundary.
type Error struct {
	Kind Kind
	Unit unit.Key
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s [%s]: %v", e.Unit.Label(), e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the kind carried by err, or KindTransient when err
// carries no explicit classification.
func Classify(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return KindTransient
}

// Fetcher acquires the raw batch for one unit. Implementations must return
// an *Error with KindNotFound when the remote confirms the resource does
// not exist; any other failure may be a plain error and is treated as
// transient.
type Fetcher interface {
	FetchUnit(ctx context.Context, key unit.Key) (*batch.Table, error)
}
