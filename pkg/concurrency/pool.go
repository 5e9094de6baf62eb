// Package concurrency wraps alitto/pond so order watches and other background
// tasks share one pool shape: bounded, panic-safe, observable.
package concurrency

import (
	"fmt"
	"time"

	"gridbot/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a worker pool. Zero values fall back to defaults.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit fail instead of blocking when the queue is
	// full.
	NonBlocking bool
}

func (c *PoolConfig) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 100
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = time.Minute
	}
}

// WorkerPool is a named pond pool. A panicking task is logged and absorbed
// rather than taking the process down.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	cfg.applyDefaults()
	scoped := logger.WithField("pool", cfg.Name)

	return &WorkerPool{
		pool: pond.New(
			cfg.MaxWorkers,
			cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				scoped.Error("Pool task panicked", "panic", p)
			}),
		),
		config: cfg,
		logger: scoped,
	}
}

// Submit schedules a task. With NonBlocking set it returns an error when the
// queue is full; otherwise it blocks until the task is accepted.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("pool %s full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// StopAndWait drains queued tasks and stops the workers.
func (wp *WorkerPool) StopAndWait() {
	wp.pool.StopAndWait()
}

// RunningWorkers reports currently active workers.
func (wp *WorkerPool) RunningWorkers() int {
	return wp.pool.RunningWorkers()
}

// WaitingTasks reports tasks queued behind the workers.
func (wp *WorkerPool) WaitingTasks() uint64 {
	return wp.pool.WaitingTasks()
}
