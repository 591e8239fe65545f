package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/precision"
	"hl-funding-arb/internal/state"

	"go.uber.org/zap"
)

// Executor places orders through a Venue with idempotency keyed by cloid
// and retry on transport errors. Rejections are returned as-is.
type Executor struct {
	venue   Venue
	store   state.Store
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cache   map[string]OrderResult
	backoff time.Duration
	retries int
}

func New(venue Venue, store state.Store, log *zap.Logger, m *metrics.Metrics) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{
		venue:   venue,
		store:   store,
		log:     log,
		metrics: m,
		cache:   make(map[string]OrderResult),
		backoff: 200 * time.Millisecond,
		retries: 5,
	}
}

func (e *Executor) Place(ctx context.Context, intent OrderIntent) (OrderResult, error) {
	if intent.Cloid == "" {
		return e.placeWithRetry(ctx, intent)
	}
	cacheKey := "cloid:" + intent.Cloid
	e.mu.Lock()
	if res, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if raw, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return OrderResult{}, err
		} else if ok {
			var res OrderResult
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				return OrderResult{}, fmt.Errorf("decode cached order %s: %w", intent.Cloid, err)
			}
			e.mu.Lock()
			e.cache[cacheKey] = res
			e.mu.Unlock()
			return res, nil
		}
	}
	res, err := e.placeWithRetry(ctx, intent)
	if err != nil {
		return res, err
	}
	if e.store != nil {
		if raw, err := json.Marshal(res); err == nil {
			if err := e.store.Set(ctx, cacheKey, string(raw)); err != nil {
				e.log.Warn("failed to persist order result", zap.String("cloid", intent.Cloid), zap.Error(err))
			}
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = res
	e.mu.Unlock()
	return res, nil
}

func (e *Executor) Cancel(ctx context.Context, class precision.Class, asset string, oid int64) error {
	return e.retry(ctx, func() error {
		return e.venue.CancelOrder(ctx, class, asset, oid)
	})
}

func (e *Executor) Status(ctx context.Context, oid int64) (OrderState, error) {
	var st OrderState
	err := e.retry(ctx, func() error {
		var err error
		st, err = e.venue.OrderStatus(ctx, oid)
		return err
	})
	return st, err
}

func (e *Executor) placeWithRetry(ctx context.Context, intent OrderIntent) (OrderResult, error) {
	var res OrderResult
	err := e.retry(ctx, func() error {
		var err error
		res, err = e.venue.SubmitOrder(ctx, intent)
		return err
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.log.Warn("order failed",
			zap.String("asset", intent.Asset),
			zap.String("class", string(intent.Class)),
			zap.String("side", string(intent.Side)),
			zap.String("kind", intent.Kind.String()),
			zap.Strings("errors", res.Errors),
			zap.Error(err),
		)
		return res, err
	}
	if !res.Accepted {
		e.metrics.OrdersFailed.Inc()
		return res, fmt.Errorf("%w: not accepted", ErrOrderRejected)
	}
	e.metrics.OrdersPlaced.Inc()
	return res, nil
}

// retry re-runs fn on transport errors with exponential backoff. Rejections
// and context errors stop immediately.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < e.retries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrOrderRejected) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == e.retries-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
