// Package shutdown coordinates graceful teardown of rudis-server.
//
// Subsystems register named stages at startup; on the first SIGINT or
// SIGTERM the stages run in reverse registration order under one
// shared timeout, each logged with its outcome. Every stage failure is
// reported, not just the last one.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type stage struct {
	name string
	fn   func(context.Context) error
}

// Coordinator runs registered shutdown stages when a termination
// signal arrives.
type Coordinator struct {
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
	stages  []stage
	done    chan struct{}
}

// New creates a Coordinator. The timeout bounds the whole teardown,
// not each individual stage. logger may be nil.
func New(timeout time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Register adds a named teardown stage. Callers register in startup
// order; stages run in the reverse of it, so the listener stops before
// the store-side workers it feeds.
func (c *Coordinator) Register(name string, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, stage{name: name, fn: fn})
}

// Wait blocks until SIGINT or SIGTERM, then runs the stages. The
// returned error joins every stage failure.
func (c *Coordinator) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	c.logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.mu.Lock()
	stages := make([]stage, len(c.stages))
	copy(stages, c.stages)
	c.mu.Unlock()

	var errs []error
	for i := len(stages) - 1; i >= 0; i-- {
		st := stages[i]
		start := time.Now()
		if err := st.fn(ctx); err != nil {
			c.logger.Error("shutdown stage failed", "stage", st.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			continue
		}
		c.logger.Debug("shutdown stage complete",
			"stage", st.name,
			"elapsed", time.Since(start))
	}

	close(c.done)
	return errors.Join(errs...)
}

// Done closes when teardown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
