package quota

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/fitpull/fitpull/pkg/ledger"
)

// Prometheus metrics for quota gating.
var (
	quotaWindowUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fitpull_quota_window_used",
		Help: "Requests consumed in the current quota window",
	})

	quotaRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fitpull_quota_rejections_total",
		Help: "Total consume attempts rejected because the window budget was spent",
	})
)

// Config holds keeper configuration.
type Config struct {
	// Limit is the remote service's request budget per window.
	Limit int

	// SafetyBuffer stops granting this many requests short of Limit, leaving
	// headroom for requests issued outside this process.
	SafetyBuffer int

	// Period is the window length, aligned to period boundaries.
	Period time.Duration
}

// DefaultConfig returns the Fitbit defaults: 150 requests per hour.
func DefaultConfig() Config {
	return Config{
		Limit:  DefaultLimit,
		Period: DefaultPeriod,
	}
}

// Keeper answers "may I issue one request right now" against the persisted
// quota ledger. It owns the window arithmetic; the ledger owns durability.
type Keeper struct {
	store  *ledger.Store
	cfg    Config
	logger zerolog.Logger

	// nowFunc is the wall clock, injectable for window-boundary tests.
	nowFunc func() time.Time
}

// NewKeeper creates a quota keeper backed by the given ledger store.
func NewKeeper(store *ledger.Store, cfg Config, logger zerolog.Logger) (*Keeper, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("quota limit must be positive (got %d)", cfg.Limit)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("quota period must be positive (got %s)", cfg.Period)
	}
	if cfg.SafetyBuffer < 0 || cfg.SafetyBuffer >= cfg.Limit {
		return nil, fmt.Errorf("safety buffer %d out of range for limit %d", cfg.SafetyBuffer, cfg.Limit)
	}
	return &Keeper{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// SetClock replaces the wall clock (for testing).
func (k *Keeper) SetClock(now func() time.Time) {
	k.nowFunc = now
}

// windowStart aligns a timestamp to its window boundary.
func (k *Keeper) windowStart(t time.Time) time.Time {
	return t.UTC().Truncate(k.cfg.Period)
}

// TryConsume attempts to consume one request from the current window. On
// success the grant is already persisted; exactly one physical request is
// expected to follow. On rejection the returned wait duration runs to the
// next window boundary.
func (k *Keeper) TryConsume() (Grant, error) {
	now := k.nowFunc()
	ws := k.windowStart(now)
	effective := k.cfg.Limit - k.cfg.SafetyBuffer

	granted, count, err := k.store.ConsumeInWindow(ws.Unix(), effective, now)
	if err != nil {
		return Grant{}, fmt.Errorf("quota consume: %w", err)
	}

	quotaWindowUsed.Set(float64(count))

	if !granted {
		wait := ws.Add(k.cfg.Period).Sub(now)
		if wait < 0 {
			wait = 0
		}
		quotaRejectionsTotal.Inc()
		k.logger.Warn().
			Int("used", count).
			Int("limit", k.cfg.Limit).
			Dur("wait", wait).
			Time("next_reset", ws.Add(k.cfg.Period)).
			Msg("Quota window exhausted")
		return Grant{Granted: false, Wait: wait}, nil
	}

	k.logger.Debug().
		Int("used", count).
		Int("limit", k.cfg.Limit).
		Msg("Quota grant recorded")
	return Grant{Granted: true}, nil
}

// Status reports the current window's persisted usage.
func (k *Keeper) Status() (Status, error) {
	now := k.nowFunc()
	ws := k.windowStart(now)

	used, err := k.store.WindowCount(ws.Unix())
	if err != nil {
		return Status{}, fmt.Errorf("quota status: %w", err)
	}
	return Status{
		WindowStart: ws,
		Used:        used,
		Limit:       k.cfg.Limit - k.cfg.SafetyBuffer,
		NextReset:   ws.Add(k.cfg.Period),
	}, nil
}
