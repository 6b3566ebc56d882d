// Package task runs work that is allowed to outlive the client-visible
// response, such as the deferred finalize/consolidate step after a
// successful turn. Every submitted task completes or has its failure logged;
// nothing is silently dropped.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/henryperkins/tarot-sub003/internal/obs"
)

type Supervisor struct {
	pool   *ants.Pool
	logger *obs.Logger
	wg     sync.WaitGroup
}

func NewSupervisor(size int, logger *obs.Logger) (*Supervisor, error) {
	if size <= 0 {
		size = 32
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &Supervisor{pool: pool, logger: logger}, nil
}

// Submit hands fn off for detached execution. It never blocks the caller on
// the task itself; if the pool rejects the submission the task runs on a
// plain goroutine so completion is still guaranteed.
func (s *Supervisor) Submit(name string, fn func() error) {
	s.wg.Add(1)
	run := func() {
		defer s.wg.Done()
		start := time.Now()
		defer func() {
			if p := recover(); p != nil && s.logger != nil {
				s.logger.Error(map[string]interface{}{
					"op":    "detached_task",
					"task":  name,
					"panic": fmt.Sprintf("%v", p),
				})
			}
		}()
		if err := fn(); err != nil {
			if s.logger != nil {
				s.logger.Error(map[string]interface{}{
					"op":         "detached_task",
					"task":       name,
					"error":      err.Error(),
					"latency_ms": time.Since(start).Milliseconds(),
				})
			}
		}
	}
	if err := s.pool.Submit(run); err != nil {
		if s.logger != nil {
			s.logger.Warn(map[string]interface{}{
				"op":    "detached_task_submit",
				"task":  name,
				"error": err.Error(),
			})
		}
		go run()
	}
}

// Shutdown waits for in-flight tasks up to ctx's deadline, then releases the
// pool.
func (s *Supervisor) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if s.logger != nil {
			s.logger.Warn(map[string]interface{}{
				"op":    "supervisor_shutdown",
				"error": "timed out waiting for detached tasks",
			})
		}
	}
	s.pool.Release()
}
