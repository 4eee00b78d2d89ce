package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// cacheSweeper is implemented by *resolver.Resolver; startCacheSweepWorker
// takes an interface so it can be tested with a fake.
type cacheSweeper interface {
	SweepStale(maxAge time.Duration) (int, error)
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startCacheSweepWorker periodically removes template cache directories
// older than maxAge so a long-lived process does not accumulate an
// unbounded number of extracted templates on disk. It returns a stop
// function that cancels the worker and waits for it to exit.
func startCacheSweepWorker(ctx context.Context, logger *slog.Logger, cache cacheSweeper, interval, maxAge time.Duration) func() {
	return startCacheSweepWorkerWithTicker(ctx, logger, cache, interval, maxAge, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startCacheSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	cache cacheSweeper,
	interval, maxAge time.Duration,
	newTicker tickerFactory,
) func() {
	if cache == nil || interval <= 0 || maxAge <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := cache.SweepStale(maxAge)
				if err != nil && logger != nil {
					logger.Error("failed to sweep template cache", "error", err)
					continue
				}
				if removed > 0 && logger != nil {
					logger.Info("swept stale template cache entries", "removed", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
