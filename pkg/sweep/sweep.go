// Package sweep plans and drives a full pass over the configured universe of
// units. The driver is deliberately single-file sequential: one unit is
// fetched, normalized, and persisted before the next is considered, which
// keeps peak memory at one unit's working set.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/saudelab/susetl/pkg/errlog"
	"github.com/saudelab/susetl/pkg/fetch"
	"github.com/saudelab/susetl/pkg/processor"
	"github.com/saudelab/susetl/pkg/unit"
)

const (
	// DefaultFailureThreshold is how many recorded failures exile a unit
	// from future sweeps.
	DefaultFailureThreshold = 3
	// DefaultBreakerThreshold is how many consecutive exhausted fetches trip
	// the source-outage breaker.
	DefaultBreakerThreshold = 3
	// DefaultBreakerCooldown is how long the sweep pauses after the breaker
	// trips.
	DefaultBreakerCooldown = 5 * time.Minute
)

// Static errors for sweep configuration and execution
var (
	ErrNoYears         = errors.New("at least one year is required")
	ErrPreflightFailed = errors.New("source connectivity preflight failed")
)

// UnitProcessor runs one unit to a terminal status.
type UnitProcessor interface {
	Process(ctx context.Context, key unit.Key) (processor.Result, error)
}

// Preflight verifies source connectivity before any unit is attempted.
type Preflight func(ctx context.Context) (ok bool, detail string)

// Config contains sweep planning and pacing settings.
type Config struct {
	DataRoot         string        `yaml:"dataRoot"`
	ErrorLogPath     string        `yaml:"errorLogPath"`
	Years            []int         `yaml:"years"`
	Regions          []string      `yaml:"regions"`
	Systems          []unit.System `yaml:"systems"`
	FailureThreshold int           `yaml:"failureThreshold" default:"3"`
	BreakerThreshold int           `yaml:"breakerThreshold" default:"3"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Years) == 0 {
		return ErrNoYears
	}

	for _, region := range c.Regions {
		if _, err := unit.New(c.Systems[0], region, c.Years[0], 1); err != nil {
			return fmt.Errorf("invalid region: %w", err)
		}
	}

	return nil
}

// SetDefaults sets default values for the configuration.
func (c *Config) SetDefaults() {
	if len(c.Regions) == 0 {
		c.Regions = unit.Regions
	}

	if len(c.Systems) == 0 {
		c.Systems = []unit.System{unit.SystemHospitalization, unit.SystemOutpatient}
	}

	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}

	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}

	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
}

// Summary tallies one sweep run.
type Summary struct {
	RunID         string
	Planned       int
	Succeeded     int
	Skipped       int
	Empty         int
	FetchFailed   int
	ProcessFailed int
	KnownFailing  int
	Duration      time.Duration
}

// Driver executes sweeps over the configured universe.
type Driver struct {
	log  logrus.FieldLogger
	proc UnitProcessor
	cfg  *Config

	preflight Preflight
	now       func() time.Time
	sleep     func(time.Duration)
}

// NewDriver builds a sweep driver. preflight may be nil when the source
// needs no connectivity probe (in-memory fetchers in tests).
func NewDriver(log logrus.FieldLogger, proc UnitProcessor, cfg *Config, preflight Preflight) (*Driver, error) {
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Driver{
		log:       log.WithField("component", "sweep"),
		proc:      proc,
		cfg:       cfg,
		preflight: preflight,
		now:       time.Now,
		sleep:     time.Sleep,
	}, nil
}

// Targets plans the unit universe for this run: every system, region, year,
// and month combination that has no final artifact yet and is not in the
// future. Order is deterministic so interrupted runs resume at the same
// walk position.
func (d *Driver) Targets() []unit.Key {
	regions := append([]string(nil), d.cfg.Regions...)
	sort.Strings(regions)

	years := append([]int(nil), d.cfg.Years...)
	sort.Ints(years)

	systems := append([]unit.System(nil), d.cfg.Systems...)
	sort.Slice(systems, func(i, j int) bool { return systems[i] < systems[j] })

	nowYear, nowMonth := d.now().Year(), int(d.now().Month())

	var targets []unit.Key

	for _, region := range regions {
		for _, year := range years {
			for month := 1; month <= 12; month++ {
				if year > nowYear || (year == nowYear && month > nowMonth) {
					continue
				}

				for _, system := range systems {
					key, err := unit.New(system, region, year, month)
					if err != nil {
						continue
					}

					if _, err := os.Stat(key.OutputPath(d.cfg.DataRoot)); err == nil {
						continue
					}

					targets = append(targets, key)
				}
			}
		}
	}

	return targets
}

// Run executes one sweep to completion. Unit failures are tallied, not
// fatal; the only aborts are context cancellation and a failed preflight.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	started := d.now()

	summary := Summary{RunID: uuid.NewString()}
	log := d.log.WithField("run_id", summary.RunID)

	if d.preflight != nil {
		ok, detail := d.preflight(ctx)
		if !ok {
			return summary, fmt.Errorf("%w: %s", ErrPreflightFailed, detail)
		}

		log.WithField("detail", detail).Info("Source preflight passed")
	}

	targets := d.Targets()
	summary.Planned = len(targets)

	log.WithField("units", len(targets)).Info("Sweep planned")

	consecutiveExhausted := 0

	for _, key := range targets {
		if err := ctx.Err(); err != nil {
			summary.Duration = d.now().Sub(started)
			return summary, fmt.Errorf("sweep interrupted: %w", err)
		}

		if d.cfg.ErrorLogPath != "" &&
			errlog.Count(d.cfg.ErrorLogPath, key.Label()) >= d.cfg.FailureThreshold {
			summary.KnownFailing++

			log.WithField("unit", key.Label()).Debug("Unit failed too often before, skipping")

			continue
		}

		res, err := d.proc.Process(ctx, key)
		d.tally(&summary, res)

		if err != nil && fetch.Classify(err) == fetch.KindExhausted {
			consecutiveExhausted++

			if consecutiveExhausted >= d.cfg.BreakerThreshold {
				log.WithField("cooldown", d.cfg.BreakerCooldown).
					Warn("Consecutive fetch exhaustions suggest a source outage, pausing")
				d.sleep(d.cfg.BreakerCooldown)

				consecutiveExhausted = 0
			}

			continue
		}

		consecutiveExhausted = 0
	}

	summary.Duration = d.now().Sub(started)

	log.WithFields(logrus.Fields{
		"planned":        summary.Planned,
		"succeeded":      summary.Succeeded,
		"empty":          summary.Empty,
		"fetch_failed":   summary.FetchFailed,
		"process_failed": summary.ProcessFailed,
		"known_failing":  summary.KnownFailing,
		"duration":       summary.Duration.Round(time.Second),
	}).Info("Sweep complete")

	return summary, nil
}

func (d *Driver) tally(summary *Summary, res processor.Result) {
	switch res.Status {
	case processor.StatusSucceeded:
		summary.Succeeded++
	case processor.StatusSkipped:
		summary.Skipped++
	case processor.StatusEmpty:
		summary.Empty++
	case processor.StatusFetchFailed:
		summary.FetchFailed++
	case processor.StatusProcessFailed:
		summary.ProcessFailed++
	}
}
