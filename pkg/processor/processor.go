// Package processor orchestrates the lifecycle of a single unit: checkpoint
// probe, remote fetch with retry, clinical normalization, and resumable
// persistence. One unit is fully materialized or fully absent; the processor
// never leaves a partial artifact behind.
package processor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saudelab/susetl/pkg/errlog"
	"github.com/saudelab/susetl/pkg/fetch"
	"github.com/saudelab/susetl/pkg/normalize"
	"github.com/saudelab/susetl/pkg/observability"
	"github.com/saudelab/susetl/pkg/sink"
	"github.com/saudelab/susetl/pkg/unit"
)

// Status is the terminal outcome of processing one unit.
type Status string

const (
	// StatusSkipped means the final artifact already existed.
	StatusSkipped Status = "skipped"
	// StatusSucceeded means a new artifact was written.
	StatusSucceeded Status = "succeeded"
	// StatusEmpty means the unit yielded no relevant rows; no artifact is
	// produced and a later run revisits the unit.
	StatusEmpty Status = "empty"
	// StatusFetchFailed means the remote source never delivered a payload.
	StatusFetchFailed Status = "fetch_failed"
	// StatusProcessFailed means normalization or persistence failed.
	StatusProcessFailed Status = "process_failed"
)

// Result summarizes one unit's processing.
type Result struct {
	Status Status
	Rows   int
}

// Processor runs units one at a time against a shared fetcher and writer.
type Processor struct {
	log     logrus.FieldLogger
	fetcher fetch.Fetcher
	retrier *fetch.Retrier
	writer  *sink.Writer
	errs    *errlog.Log
	root    string
}

// New builds a unit processor. The error log collaborator is required; unit
// failures are recorded there as well as returned.
func New(log logrus.FieldLogger, fetcher fetch.Fetcher, writer *sink.Writer, errs *errlog.Log, root string) *Processor {
	return &Processor{
		log:     log.WithField("component", "processor"),
		fetcher: fetcher,
		retrier: fetch.NewRetrier(log),
		writer:  writer,
		errs:    errs,
		root:    root,
	}
}

// Process runs one unit to a terminal status. The returned error is non-nil
// only for the failure statuses; it has already been recorded in the error
// log, so callers log-and-continue rather than abort a sweep.
func (p *Processor) Process(ctx context.Context, key unit.Key) (Result, error) {
	log := p.log.WithField("unit", key.Label())
	started := time.Now()

	if _, err := os.Stat(key.OutputPath(p.root)); err == nil {
		log.Debug("Artifact present, skipping")

		return p.finish(key, started, Result{Status: StatusSkipped}), nil
	}

	table, err := p.retrier.Fetch(ctx, p.fetcher, key)
	if err != nil {
		p.record(errlog.OriginFetch, key, err)
		log.WithError(err).Warn("Fetch failed")

		return p.finish(key, started, Result{Status: StatusFetchFailed}), err
	}

	rows, err := normalize.Apply(table, key)

	// The raw batch can be an order of magnitude larger than the filtered
	// rows; drop it before the write phase so only one unit's worth of raw
	// data is ever held.
	table = nil //nolint:ineffassign,wastedassign // Releases the raw batch

	if err != nil {
		p.record(errlog.OriginProcess, key, err)
		log.WithError(err).Warn("Normalization failed")

		return p.finish(key, started, Result{Status: StatusProcessFailed}), fmt.Errorf("normalize %s: %w", key.Label(), err)
	}

	if len(rows) == 0 {
		log.Info("No relevant rows after filtering")

		return p.finish(key, started, Result{Status: StatusEmpty}), nil
	}

	if err := p.writer.Write(key, rows); err != nil {
		p.record(errlog.OriginProcess, key, err)
		log.WithError(err).Warn("Write failed")

		return p.finish(key, started, Result{Status: StatusProcessFailed}), fmt.Errorf("write %s: %w", key.Label(), err)
	}

	observability.RowsWritten.WithLabelValues(string(key.System)).Add(float64(len(rows)))

	log.WithFields(logrus.Fields{
		"rows":     len(rows),
		"duration": time.Since(started).Round(time.Millisecond),
	}).Info("Unit complete")

	return p.finish(key, started, Result{Status: StatusSucceeded, Rows: len(rows)}), nil
}

func (p *Processor) finish(key unit.Key, started time.Time, res Result) Result {
	system := string(key.System)

	observability.UnitsProcessed.WithLabelValues(system, string(res.Status)).Inc()
	observability.UnitDuration.WithLabelValues(system, string(res.Status)).Observe(time.Since(started).Seconds())

	return res
}

func (p *Processor) record(origin string, key unit.Key, err error) {
	if p.errs == nil {
		return
	}

	if appendErr := p.errs.Append(origin, key.Label(), err.Error()); appendErr != nil {
		p.log.WithError(appendErr).Error("Failed to append to error log")
	}
}
