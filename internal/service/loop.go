package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// periodicTask runs fn on a fixed schedule in a background goroutine. Each
// run gets its own bounded context; fn logs its own failures.
type periodicTask struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	fn       func(ctx context.Context)
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newPeriodicTask(name string, interval, timeout time.Duration, fn func(ctx context.Context), logger *zap.Logger) *periodicTask {
	return &periodicTask{
		name:     name,
		interval: interval,
		timeout:  timeout,
		fn:       fn,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (t *periodicTask) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true

	interval := t.interval
	stopCh := t.stopCh
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		t.logger.Info(t.name+" started", zap.Duration("interval", interval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
				t.fn(ctx)
				cancel()
			case <-stopCh:
				t.logger.Info(t.name + " stopped")
				return
			}
		}
	}()
}

// Stop is safe to call more than once and on a task that never started.
func (t *periodicTask) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()

	t.mu.Lock()
	t.stopCh = make(chan struct{})
	t.mu.Unlock()
}
