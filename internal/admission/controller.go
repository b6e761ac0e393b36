// Package admission implements the adaptive per-source concurrency
// controller. All of its state lives in the shared counter store, so every
// worker process contending for the same source observes the same limit,
// the same active-slot count, and the same success/error counters.
package admission

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/astas888/mangadl/internal/counterstore"
	"github.com/astas888/mangadl/internal/metrics"
)

const (
	minLimit = 1
	maxLimit = 10

	// adjustMinSignal is the minimum number of recorded outcomes before the
	// limit moves at all.
	adjustMinSignal = 10

	backoffThreshold = 0.30
	rampThreshold    = 0.05

	// Counters are halved with decayChance probability per outcome once
	// their sum exceeds decayTrigger, bounding growth while keeping the
	// recent error ratio roughly intact.
	decayChance  = 0.1
	decayTrigger = 200
)

// Config controls Controller behavior.
type Config struct {
	// DefaultLimit applies to sources with no stored limit. Clamped to [1,10].
	DefaultLimit int
	// PollInterval is the wait between acquire attempts when no slot is free.
	PollInterval time.Duration
	// AcquireTimeout bounds how long Acquire may poll. Zero waits forever.
	AcquireTimeout time.Duration
}

// SourceStats is one row of the published statistics snapshot. The field
// names match the dashboard's source-status payload.
type SourceStats struct {
	Source    string  `json:"source"`
	Limit     int64   `json:"limit"`
	Success   int64   `json:"success"`
	Error     int64   `json:"error"`
	ErrorRate float64 `json:"error_rate"`
}

// Controller issues and releases per-source admission slots and adjusts each
// source's limit from its rolling error rate.
type Controller struct {
	store  counterstore.Store
	cfg    Config
	logger *zap.Logger

	// decayRoll returns a value in [0,1); replaced in tests to make the
	// probabilistic decay deterministic.
	decayRoll func() float64
}

// New constructs a Controller.
func New(store counterstore.Store, cfg Config, logger *zap.Logger) *Controller {
	metrics.Init()
	if cfg.DefaultLimit < minLimit {
		cfg.DefaultLimit = minLimit
	}
	if cfg.DefaultLimit > maxLimit {
		cfg.DefaultLimit = maxLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		decayRoll: rand.Float64,
	}
}

// Acquire blocks until a slot for source is granted, the configured acquire
// timeout expires, or ctx ends. The check-then-increment is not transactional:
// two workers may both see a free slot and briefly exceed the limit. That
// over-admission is accepted; the control loop corrects it as slots drain.
func (c *Controller) Acquire(ctx context.Context, src string) error {
	src = normalize(src)
	if c.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	for {
		limit, err := c.Limit(ctx, src)
		if err != nil {
			return err
		}
		active, _, err := c.store.GetInt(ctx, activeKey(src))
		if err != nil {
			return fmt.Errorf("read active slots for %s: %w", src, err)
		}
		if active < limit {
			if _, err := c.store.Incr(ctx, activeKey(src)); err != nil {
				return fmt.Errorf("acquire slot for %s: %w", src, err)
			}
			metrics.ObserveAdmissionWait(src, time.Since(start))
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire slot for %s: %w", src, ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Release returns a slot for source. Must be called exactly once per
// successful Acquire, on every exit path.
func (c *Controller) Release(ctx context.Context, src string) error {
	src = normalize(src)
	n, err := c.store.Decr(ctx, activeKey(src))
	if err != nil {
		return fmt.Errorf("release slot for %s: %w", src, err)
	}
	if n < 0 {
		c.logger.Warn("active slot counter went negative", zap.String("source", src), zap.Int64("active", n))
	}
	return nil
}

// RecordOutcome counts one fetch result for source, runs the probabilistic
// counter decay, and always re-evaluates the source's limit.
func (c *Controller) RecordOutcome(ctx context.Context, src string, success bool) error {
	src = normalize(src)
	key := errorKey(src)
	if success {
		key = successKey(src)
	}
	if _, err := c.store.Incr(ctx, key); err != nil {
		return fmt.Errorf("record outcome for %s: %w", src, err)
	}

	if c.decayRoll() < decayChance {
		if err := c.decay(ctx, src); err != nil {
			return err
		}
	}
	return c.adjustLimit(ctx, src)
}

// decay halves both counters (integer floor) once their sum passes the
// trigger, approximately preserving the recent error ratio.
func (c *Controller) decay(ctx context.Context, src string) error {
	succ, _, err := c.store.GetInt(ctx, successKey(src))
	if err != nil {
		return fmt.Errorf("read success counter for %s: %w", src, err)
	}
	errs, _, err := c.store.GetInt(ctx, errorKey(src))
	if err != nil {
		return fmt.Errorf("read error counter for %s: %w", src, err)
	}
	if succ+errs <= decayTrigger {
		return nil
	}
	if err := c.store.SetInt(ctx, successKey(src), succ/2); err != nil {
		return fmt.Errorf("decay success counter for %s: %w", src, err)
	}
	if err := c.store.SetInt(ctx, errorKey(src), errs/2); err != nil {
		return fmt.Errorf("decay error counter for %s: %w", src, err)
	}
	c.logger.Debug("decayed source counters",
		zap.String("source", src),
		zap.Int64("success", succ/2),
		zap.Int64("error", errs/2),
	)
	return nil
}

// adjustLimit applies the additive-increase/additive-decrease policy. The
// asymmetric thresholds (0.30 vs 0.05) give the loop hysteresis so it does
// not oscillate on noise near a single threshold.
func (c *Controller) adjustLimit(ctx context.Context, src string) error {
	succ, _, err := c.store.GetInt(ctx, successKey(src))
	if err != nil {
		return fmt.Errorf("read success counter for %s: %w", src, err)
	}
	errs, _, err := c.store.GetInt(ctx, errorKey(src))
	if err != nil {
		return fmt.Errorf("read error counter for %s: %w", src, err)
	}
	total := succ + errs
	if total < adjustMinSignal {
		return nil
	}

	current, err := c.Limit(ctx, src)
	if err != nil {
		return err
	}
	rate := float64(errs) / float64(total)

	switch {
	case rate > backoffThreshold && current > minLimit:
		next := current - 1
		if err := c.store.SetInt(ctx, limitKey(src), next); err != nil {
			return fmt.Errorf("lower limit for %s: %w", src, err)
		}
		metrics.SetSourceLimit(src, next)
		c.logger.Warn("backing off source",
			zap.String("source", src),
			zap.Float64("error_rate", rate),
			zap.Int64("limit", next),
		)
	case rate < rampThreshold && current < maxLimit:
		next := current + 1
		if err := c.store.SetInt(ctx, limitKey(src), next); err != nil {
			return fmt.Errorf("raise limit for %s: %w", src, err)
		}
		metrics.SetSourceLimit(src, next)
		c.logger.Info("raising source limit",
			zap.String("source", src),
			zap.Float64("error_rate", rate),
			zap.Int64("limit", next),
		)
	}
	return nil
}

// Limit returns the current concurrency limit for source, falling back to
// the configured default when no limit is stored.
func (c *Controller) Limit(ctx context.Context, src string) (int64, error) {
	src = normalize(src)
	v, ok, err := c.store.GetInt(ctx, limitKey(src))
	if err != nil {
		return 0, fmt.Errorf("read limit for %s: %w", src, err)
	}
	if !ok {
		return int64(c.cfg.DefaultLimit), nil
	}
	if v < minLimit {
		v = minLimit
	}
	if v > maxLimit {
		v = maxLimit
	}
	return v, nil
}

// Snapshot returns per-source statistics for every source that has recorded
// at least one successful outcome. It reads each counter independently, so
// the rows are an eventually-consistent view, never a transaction.
func (c *Controller) Snapshot(ctx context.Context) ([]SourceStats, error) {
	keys, err := c.store.Keys(ctx, "dl_stats:*:success")
	if err != nil {
		return nil, fmt.Errorf("list stat keys: %w", err)
	}
	out := make([]SourceStats, 0, len(keys))
	for _, key := range keys {
		src := strings.TrimSuffix(strings.TrimPrefix(key, "dl_stats:"), ":success")
		succ, _, err := c.store.GetInt(ctx, successKey(src))
		if err != nil {
			return nil, fmt.Errorf("read success counter for %s: %w", src, err)
		}
		errs, _, err := c.store.GetInt(ctx, errorKey(src))
		if err != nil {
			return nil, fmt.Errorf("read error counter for %s: %w", src, err)
		}
		limit, err := c.Limit(ctx, src)
		if err != nil {
			return nil, err
		}
		stats := SourceStats{
			Source:  src,
			Limit:   limit,
			Success: succ,
			Error:   errs,
		}
		if total := succ + errs; total > 0 {
			stats.ErrorRate = math.Round(float64(errs)/float64(total)*1000) / 10
		}
		out = append(out, stats)
	}
	return out, nil
}

func normalize(src string) string {
	src = strings.ToLower(strings.TrimSpace(src))
	if src == "" {
		return "global"
	}
	return src
}

func successKey(src string) string { return "dl_stats:" + src + ":success" }
func errorKey(src string) string   { return "dl_stats:" + src + ":error" }
func limitKey(src string) string   { return "dl_limit:" + src }
func activeKey(src string) string  { return "dl_active:" + src }
