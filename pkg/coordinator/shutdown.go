package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swarm/pkg/protocol"
)

// Shutdown drives an orderly stop: scheduling halts, running tasks are
// signalled and given grace to finish, shared memory is flushed, and the
// coordinator is marked stopped. Single-flight: a concurrent second call
// observes the in-flight result, and later calls return the recorded one.
// Step errors are collected, never fatal; shutdown always completes.
func (c *Coordinator) Shutdown(grace time.Duration) error {
	c.shutdownMu.Lock()
	if c.shutdownRan {
		err := c.shutdownErr
		c.shutdownMu.Unlock()
		return err
	}
	c.shutdownMu.Unlock()

	_, err, _ := c.sf.Do("shutdown", func() (any, error) {
		err := c.shutdownOnce(grace)
		c.shutdownMu.Lock()
		c.shutdownRan = true
		c.shutdownErr = err
		c.shutdownMu.Unlock()
		return nil, err
	})
	return err
}

func (c *Coordinator) shutdownOnce(grace time.Duration) error {
	c.logger.Info("shutdown started", "grace", grace)
	var errs []error

	// Step 1: stop admitting tick cycles.
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	close(c.done)
	if err := waitBounded(c.loopWg.Wait, c.cfg.ShutdownStepTimeout); err != nil {
		errs = append(errs, fmt.Errorf("stop loops: %w", err))
	}

	// Step 2: signal every running task to stop. The runner's context
	// cancellation flows into the executor's two-stage kill.
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.running))
	for _, cancel := range c.running {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	// Step 3: wait up to grace for in-flight tasks to settle.
	if err := waitBounded(c.taskWg.Wait, grace); err != nil {
		errs = append(errs, fmt.Errorf("drain running tasks: %w", err))
	}

	// Step 4: flush shared memory.
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownStepTimeout)
		if err := c.store.Sync(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush memory: %w", err))
		}
		cancel()
	}

	// Step 5: mark stopped.
	c.emit("coordinator_stopped", "", "", "")
	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("shutdown completed with errors", "error", err)
	} else {
		c.logger.Info("shutdown complete")
	}
	return err
}

// waitBounded waits for wait() up to timeout.
func waitBounded(wait func(), timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return protocol.ErrTimeout
	}
}
