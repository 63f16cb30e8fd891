package nucleus

import (
	"context"
	"time"

	"go.pilab.hu/nucleus/internal/metrics"
	"go.pilab.hu/nucleus/log"
)

// Janitor removes expired authorization codes. It only touches records that
// can no longer be redeemed, so it may run alongside any flow.
type Janitor struct {
	codes    CodeStore
	interval time.Duration
	logger   log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewJanitor(codes CodeStore, interval time.Duration, logger log.Logger, m *metrics.Metrics) *Janitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Janitor{
		codes:    codes,
		interval: interval,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Sweep deletes expired codes once and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.codes.Sweep(ctx, j.now())
	if err != nil {
		return 0, err
	}
	j.metrics.CodesSwept(n)
	return n, nil
}

// Stats reports the number of redeemable codes.
func (j *Janitor) Stats(ctx context.Context) (int64, error) {
	return j.codes.CountActive(ctx, j.now())
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval
// returns immediately.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Sweep(ctx)
			if err != nil {
				j.logger.Error(ctx, "Failed to sweep expired authorization codes", err)
				continue
			}
			if n > 0 {
				j.logger.Info(ctx, "Swept expired authorization codes", map[string]interface{}{"deleted": n})
			}
		}
	}
}
