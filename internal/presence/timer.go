package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the local studying/resting toggle.
type Status string

const (
	StatusStudying Status = "STUDYING"
	StatusResting  Status = "RESTING"
)

// Notice is a local system-style notification emitted on every toggle,
// carrying the elapsed study time at the moment of the switch. Notices are
// display-only and never sent to the server.
type Notice struct {
	Status  Status
	Elapsed time.Duration
	At      time.Time
}

type NoticeFunc func(Notice)

// Coordinator tracks the local user's studying/resting state and drives the
// display counter. The counter counts up only while studying; the external
// study-session service remains the source of truth for accumulated minutes.
type Coordinator struct {
	mu       sync.Mutex
	status   Status
	elapsed  int64 // seconds
	onNotice NoticeFunc
	logger   *zap.SugaredLogger
}

func NewCoordinator(onNotice NoticeFunc, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		status:   StatusStudying,
		onNotice: onNotice,
		logger:   logger.Sugar(),
	}
}

// Run ticks the counter once per second until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Coordinator) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusStudying {
		c.elapsed++
	}
}

// Toggle switches between studying and resting and emits a notice with the
// elapsed time at the moment of the switch.
func (c *Coordinator) Toggle() Status {
	c.mu.Lock()
	if c.status == StatusStudying {
		c.status = StatusResting
	} else {
		c.status = StatusStudying
	}
	status := c.status
	elapsed := time.Duration(c.elapsed) * time.Second
	c.mu.Unlock()

	c.logger.Infow("Presence toggled", "status", status, "elapsed", elapsed.String())
	if c.onNotice != nil {
		c.onNotice(Notice{Status: status, Elapsed: elapsed, At: time.Now()})
	}
	return status
}

// Reset zeroes the counter without changing the studying/resting status.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.elapsed = 0
	c.mu.Unlock()
}

// Status returns the current toggle state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Elapsed returns the accumulated study time shown to the user.
func (c *Coordinator) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.elapsed) * time.Second
}
