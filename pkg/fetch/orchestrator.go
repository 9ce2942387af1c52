// Package fetch implements the rate-limited, resumable fetch orchestrator:
// a single sequential control loop that works through the planned unit queue,
// gating every request on the persisted quota ledger and committing
// completion durably before advancing.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/fitpull/fitpull/pkg/ledger"
	"github.com/fitpull/fitpull/pkg/planner"
	"github.com/fitpull/fitpull/pkg/quota"
)

var (
	unitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitpull_units_total",
		Help: "Fetch units processed by result",
	}, []string{"result"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitpull_errors_total",
		Help: "Failed request attempts by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitpull_retries_total",
		Help: "Retry attempts by error class",
	}, []string{"class"})

	quotaWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fitpull_quota_waits_total",
		Help: "Times the loop blocked waiting for the quota window to reset",
	})
)

// TokenSource supplies and refreshes API credentials.
type TokenSource interface {
	// CurrentToken returns a bearer token for the next request.
	CurrentToken() (string, error)

	// Refresh exchanges the refresh token for a new access token. Failure is
	// fatal for the run: the user must re-authorize interactively.
	Refresh() (string, error)
}

// Summary is the result of a completed run. A run with failed units is still
// a successful run; only fatal errors abort early.
type Summary struct {
	RunID     string
	Completed int
	Skipped   int
	Failed    int
}

// StatusReport combines quota and ledger state for the status surface.
type StatusReport struct {
	Quota  quota.Status
	Totals ledger.Totals
}

// Config holds orchestrator configuration.
type Config struct {
	// Backoff is the transient-failure retry policy.
	Backoff Backoff

	// RunID stamps error records and logs; generated when empty.
	RunID string
}

// Orchestrator drives the per-unit state machine
// PENDING → IN_FLIGHT → {DONE, SKIPPED, FAILED} over a planned unit queue.
// It is the sole writer of progress and error records.
type Orchestrator struct {
	store     *ledger.Store
	quota     *quota.Keeper
	transport Transport
	tokens    TokenSource
	backoff   Backoff
	runID     string
	logger    zerolog.Logger

	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator.
func New(store *ledger.Store, keeper *quota.Keeper, transport Transport, tokens TokenSource, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return &Orchestrator{
		store:     store,
		quota:     keeper,
		transport: transport,
		tokens:    tokens,
		backoff:   cfg.Backoff,
		runID:     cfg.RunID,
		logger:    logger,
		nowFunc:   time.Now,
		sleep:     sleepContext,
	}
}

// SetClock replaces the wall clock (for testing).
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.nowFunc = now
}

// SetSleep replaces the blocking wait (for testing).
func (o *Orchestrator) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	o.sleep = sleep
}

type unitResult int

const (
	resultDone unitResult = iota
	resultSkipped
	resultFailed
)

// Run works through the planned units in order. Per-unit failures never abort
// the run; a returned error is fatal (cancellation, storage, or invalid
// credentials) and the summary covers the units processed up to that point.
func (o *Orchestrator) Run(ctx context.Context, units []planner.Unit) (Summary, error) {
	sum := Summary{RunID: o.runID}
	o.logger.Info().
		Str("run_id", o.runID).
		Int("units", len(units)).
		Msg("Starting fetch run")

	for _, u := range units {
		res, err := o.runUnit(ctx, u)
		if err != nil {
			return sum, err
		}
		switch res {
		case resultDone:
			sum.Completed++
			unitsTotal.WithLabelValues("done").Inc()
		case resultSkipped:
			sum.Skipped++
			unitsTotal.WithLabelValues("skipped").Inc()
		case resultFailed:
			sum.Failed++
			unitsTotal.WithLabelValues("failed").Inc()
		}
	}

	o.logger.Info().
		Str("run_id", o.runID).
		Int("completed", sum.Completed).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Msg("Fetch run finished")
	return sum, nil
}

// Status reports current quota usage and ledger totals.
func (o *Orchestrator) Status() (StatusReport, error) {
	qs, err := o.quota.Status()
	if err != nil {
		return StatusReport{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	totals, err := o.store.Totals()
	if err != nil {
		return StatusReport{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return StatusReport{Quota: qs, Totals: totals}, nil
}

func (o *Orchestrator) runUnit(ctx context.Context, u planner.Unit) (unitResult, error) {
	done, err := o.store.IsDone(u)
	if err != nil {
		return 0, fmt.Errorf("%w: checking progress for %s: %v", ErrStorage, u, err)
	}
	if done {
		o.logger.Debug().Str("unit", u.String()).Msg("Unit already fetched, skipping")
		return resultSkipped, nil
	}

	// Resolve the endpoint before touching the quota: a unit the transport
	// would reject pre-transmission must not consume a grant.
	if _, err := o.transport.Endpoint(u); err != nil {
		if lerr := o.logFailure(u, ClassLocalReject, err.Error(), true); lerr != nil {
			return 0, lerr
		}
		return resultFailed, nil
	}

	failures := 0
	refreshed := false
	skipGate := false
	for {
		if !skipGate {
			if err := o.acquireQuota(ctx, u); err != nil {
				return 0, err
			}
		}
		skipGate = false

		token, err := o.tokens.CurrentToken()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrAuthInvalid, err)
		}

		resp, err := o.transport.Send(ctx, u, token)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if lerr := o.logFailure(u, ClassLocalReject, err.Error(), true); lerr != nil {
				return 0, lerr
			}
			return resultFailed, nil
		}

		switch resp.Class {
		case ClassOK:
			if err := o.store.CommitUnit(u, resp.Body, ledger.OutcomeSuccess, o.nowFunc()); err != nil {
				return 0, fmt.Errorf("%w: committing %s: %v", ErrStorage, u, err)
			}
			o.logger.Info().
				Str("unit", u.String()).
				Int("attempt", failures+1).
				Msg("Unit fetched")
			return resultDone, nil

		case ClassAuthExpired:
			if lerr := o.logFailure(u, resp.Class, resp.Message, false); lerr != nil {
				return 0, lerr
			}
			if refreshed {
				return 0, fmt.Errorf("%w: token rejected again after refresh", ErrAuthInvalid)
			}
			o.logger.Warn().Str("unit", u.String()).Msg("Access token expired, refreshing")
			if _, err := o.tokens.Refresh(); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrAuthInvalid, err)
			}
			refreshed = true
			// The failed attempt already spent its grant; resend without
			// consuming another.
			skipGate = true

		case ClassRateLimited:
			if lerr := o.logFailure(u, resp.Class, resp.Message, false); lerr != nil {
				return 0, lerr
			}
			st, err := o.quota.Status()
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrStorage, err)
			}
			wait := st.NextReset.Sub(o.nowFunc())
			if wait < 0 {
				wait = 0
			}
			quotaWaitsTotal.Inc()
			o.logger.Warn().
				Str("unit", u.String()).
				Dur("wait", wait).
				Msg("Remote rate limit hit despite local gating, waiting for window reset")
			if err := o.sleep(ctx, wait); err != nil {
				return 0, err
			}

		case ClassTransient:
			failures++
			terminal := failures >= o.backoff.MaxAttempts
			if lerr := o.logFailure(u, resp.Class, resp.Message, terminal); lerr != nil {
				return 0, lerr
			}
			if terminal {
				o.logger.Error().
					Str("unit", u.String()).
					Int("attempts", failures).
					Msg("Retry attempts exhausted, unit failed")
				return resultFailed, nil
			}
			delay := o.backoff.Delay(failures)
			retriesTotal.WithLabelValues(string(resp.Class)).Inc()
			o.logger.Debug().
				Str("unit", u.String()).
				Int("attempt", failures).
				Dur("backoff", delay).
				Msg("Transient failure, retrying after backoff")
			if err := o.sleep(ctx, delay); err != nil {
				return 0, err
			}

		default:
			if lerr := o.logFailure(u, resp.Class, resp.Message, true); lerr != nil {
				return 0, lerr
			}
			o.logger.Error().
				Str("unit", u.String()).
				Int("status", resp.StatusCode).
				Msg("Permanent error, unit failed")
			return resultFailed, nil
		}
	}
}

// acquireQuota blocks until the quota ledger grants one request. The wait is
// bounded only by the window boundary, which the keeper recomputes from the
// wall clock on every rejection.
func (o *Orchestrator) acquireQuota(ctx context.Context, u planner.Unit) error {
	for {
		g, err := o.quota.TryConsume()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if g.Granted {
			return nil
		}
		o.logger.Info().
			Str("unit", u.String()).
			Dur("wait", g.Wait).
			Msg("Quota exhausted, waiting for next window")
		if err := o.sleep(ctx, g.Wait); err != nil {
			return err
		}
	}
}

// logFailure appends an error record; a failed write is fatal because the
// diagnostic ledger's durability can no longer be trusted.
func (o *Orchestrator) logFailure(u planner.Unit, class Class, message string, terminal bool) error {
	errorsTotal.WithLabelValues(string(class)).Inc()
	err := o.store.LogError(ledger.ErrorRecord{
		RunID:      o.runID,
		Resource:   u.Resource,
		RangeStart: u.StartKey(),
		RangeEnd:   u.EndKey(),
		Class:      string(class),
		Message:    message,
		Terminal:   terminal,
		OccurredAt: o.nowFunc(),
	})
	if err != nil {
		return fmt.Errorf("%w: logging failure for %s: %v", ErrStorage, u, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
