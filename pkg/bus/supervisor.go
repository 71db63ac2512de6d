package bus

import (
	"sync"

	"github.com/viktorstiskala/marie/pkg/logger"
)

// Supervisor is the explicit task-spawning primitive for fire-and-forget
// work: event handler invocations, detached commands, webhook relays.
// Panics inside spawned work are recovered and logged, never dropped.
type Supervisor struct {
	wg sync.WaitGroup
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Go runs fn in its own goroutine. name identifies the unit of work in logs.
func (s *Supervisor) Go(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorCF("supervisor", "Task panicked", map[string]interface{}{
					"task":  name,
					"panic": r,
				})
			}
		}()
		fn()
	}()
}

// Wait blocks until all spawned work has finished. Used by shutdown and tests.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
