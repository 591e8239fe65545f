package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hl-funding-arb/internal/metrics"

	"go.uber.org/zap"
)

type TickFunc func(ctx context.Context) error

type loop struct {
	name     string
	interval time.Duration
	tick     TickFunc
}

// Scheduler runs named loops side by side. Each loop ticks once at start
// and then every interval. A failed or panicking tick is retried after
// the error cooldown instead of the full interval.
type Scheduler struct {
	cooldown time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	loops    []loop
}

func NewScheduler(cooldown time.Duration, log *zap.Logger, m *metrics.Metrics) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Scheduler{cooldown: cooldown, log: log, metrics: m}
}

func (s *Scheduler) Add(name string, interval time.Duration, tick TickFunc) {
	s.loops = append(s.loops, loop{name: name, interval: interval, tick: tick})
}

// Run blocks until ctx is done and every loop has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, l := range s.loops {
		wg.Add(1)
		go func(l loop) {
			defer wg.Done()
			s.runLoop(ctx, l)
		}(l)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runLoop(ctx context.Context, l loop) {
	for {
		wait := l.interval
		if err := s.safeTick(ctx, l); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.metrics.TickFailures.Inc()
			s.log.Warn("tick failed",
				zap.String("loop", l.name),
				zap.Duration("retry_in", s.cooldown),
				zap.Error(err),
			)
			wait = s.cooldown
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context, l loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick panicked", zap.String("loop", l.name), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%s tick panic: %v", l.name, r)
		}
	}()
	return l.tick(ctx)
}
