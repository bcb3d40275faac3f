package failover

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultCallTimeout bounds each attempt when Run is given a non-positive timeout.
const DefaultCallTimeout = 20 * time.Second

// Attempt records one provider call made by Run.
type Attempt struct {
	Model    string
	Err      error
	Duration time.Duration
}

type Result struct {
	Model    string // model that succeeded, empty on failure
	Attempts []Attempt
}

// FailedOver reports whether the call needed more than one model.
func (r Result) FailedOver() bool {
	return len(r.Attempts) > 1
}

// Run calls fn with the best model and fails over to the next best untried
// model until one succeeds or the pool is exhausted. Each attempted model gets
// exactly one outcome reported back to the selector. An attempt cut short by
// the caller's own context is not held against the model.
func Run(ctx context.Context, s *Selector, timeout time.Duration, fn func(ctx context.Context, model string) error) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	var (
		res     Result
		tried   []string
		lastErr error
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		model, err := s.NextModel(tried...)
		if err != nil {
			if lastErr != nil {
				return res, fmt.Errorf("%w (tried %d, last: %w)", err, len(tried), lastErr)
			}
			return res, err
		}
		tried = append(tried, model)

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		started := s.clock.Now()
		err = fn(callCtx, model)
		cancel()
		res.Attempts = append(res.Attempts, Attempt{Model: model, Err: err, Duration: s.clock.Since(started)})

		if err == nil {
			if rerr := s.IncreaseRating(model); rerr != nil {
				s.logger.Warn("promote model", zap.String("model", model), zap.Error(rerr))
			}
			if res.FailedOver() {
				s.logger.Info("failover: using fallback model", zap.String("model", model), zap.Int("attempt", len(tried)))
			}
			res.Model = model
			return res, nil
		}

		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if rerr := s.DecreaseRating(model); rerr != nil {
			s.logger.Warn("demote model", zap.String("model", model), zap.Error(rerr))
		}
		s.logger.Warn("failover: trying next model", zap.String("failed", model), zap.Error(err))
		lastErr = err
	}
}
