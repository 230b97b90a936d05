package resource

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BacklogFunc reports the current pipeline queue depth.
type BacklogFunc func() int

// Controller runs the sampling loop and publishes pressure transitions.
// One controller serves the whole process; sessions consume read-only.
type Controller struct {
	sampler  Sampler
	tracker  *Tracker
	interval time.Duration
	backlog  BacklogFunc

	state       atomic.Int32
	transitions chan Transition

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// NewController wires a sampler to a tracker. backlog may be nil when no
// queue exists yet; it can be set later with SetBacklogFunc before Start.
func NewController(sampler Sampler, tracker *Tracker, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Controller{
		sampler:     sampler,
		tracker:     tracker,
		interval:    interval,
		transitions: make(chan Transition, 8),
		done:        make(chan struct{}),
	}
}

// SetBacklogFunc installs the queue depth source. Call before Start.
func (c *Controller) SetBacklogFunc(f BacklogFunc) { c.backlog = f }

// State returns the current pressure state. Safe for concurrent use.
func (c *Controller) State() State { return State(c.state.Load()) }

// Transitions returns the stream of state changes. The channel is never
// closed while the controller runs; slow consumers lose old transitions.
func (c *Controller) Transitions() <-chan Transition { return c.transitions }

// Start launches the sampling loop.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.step()
		}
	}
}

func (c *Controller) step() {
	sample, err := c.sampler.Sample()
	if err != nil {
		slog.Warn("resource sample failed", "error", err)
		return
	}
	if c.backlog != nil {
		sample.Backlog = c.backlog()
	}

	transition, changed := c.tracker.Observe(sample)
	c.state.Store(int32(c.tracker.State()))
	if !changed {
		return
	}

	slog.Info("resource pressure changed",
		"from", transition.From,
		"to", transition.To,
		"cpu", sample.CPUFraction,
		"memory_mb", sample.MemoryMb,
		"backlog", sample.Backlog,
	)
	select {
	case c.transitions <- transition:
	default:
		// Drop the oldest so the newest state always gets through.
		select {
		case <-c.transitions:
		default:
		}
		select {
		case c.transitions <- transition:
		default:
		}
	}
}

// Close stops the sampling loop. Safe to call more than once.
func (c *Controller) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}
