// Package retry schedules re-acquisition attempts for blocks that timed out,
// applying exponential backoff with randomized jitter so repeated capture
// attempts do not synchronize into bursts.
package retry

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BlockTracker is the block-state collaborator. The coordinator consults it
// before every attempt so tickets for blocks that arrived on their own, or
// that belong to a superseded transfer, are dropped instead of retried.
type BlockTracker interface {
	IsMissing(index int) bool
	Generation() uint64
	MarkRetrying(index int) error
	MarkAwaitingRetry(index int) error
	MarkFailed(index int) error
}

// Acquirer performs one re-acquisition attempt for a block. A nil return
// means the block was captured and stored.
type Acquirer interface {
	Reacquire(index int) error
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Default tunables.
const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultBaseDelay     = 2 * time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultJitterMax     = 500 * time.Millisecond
	DefaultBackoffFactor = 2.0
	DefaultMaxRetries    = 5
	DefaultMaxConcurrent = 3
)

// Config carries the coordinator's tunables. Zero fields take the package
// defaults.
type Config struct {
	// PollInterval is how often the scheduling loop scans for due tickets.
	PollInterval time.Duration

	// BaseDelay is the wait before the first retry attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// JitterMax bounds the random jitter added to every delay.
	JitterMax time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64

	// MaxRetries is the per-block attempt ceiling before permanent failure.
	MaxRetries int

	// MaxConcurrent bounds simultaneous in-flight attempts.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterMax == 0 {
		c.JitterMax = DefaultJitterMax
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// ticket is one block's retry bookkeeping.
type ticket struct {
	index       int
	attempts    int
	nextAttempt time.Time
	delay       time.Duration // backoff applied before nextAttempt
	lastErr     error
	generation  uint64
	inFlight    bool
}

// Coordinator owns the retry schedule for missing blocks. Blocks enter via
// NotifyMissing and leave when an attempt succeeds, the block arrives on its
// own, the transfer is superseded, or the attempt ceiling is reached.
type Coordinator struct {
	mutex    sync.Mutex
	cfg      Config
	tracker  BlockTracker
	acquirer Acquirer
	tp       TimeProvider

	tickets  map[int]*ticket
	active   int
	running  bool
	stopChan chan struct{}

	onFailed func(index, attempts int, lastErr error)
}

// NewCoordinator creates a retry coordinator wired to a block tracker and
// an acquirer.
func NewCoordinator(cfg Config, tracker BlockTracker, acquirer Acquirer) *Coordinator {
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		tracker:  tracker,
		acquirer: acquirer,
		tp:       DefaultTimeProvider{},
		tickets:  make(map[int]*ticket),
		stopChan: make(chan struct{}),
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (c *Coordinator) SetTimeProvider(tp TimeProvider) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.tp = tp
}

// OnPermanentFailure registers a callback invoked when a block exhausts its
// retry budget. lastErr is the error from the final attempt.
func (c *Coordinator) OnPermanentFailure(cb func(index, attempts int, lastErr error)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onFailed = cb
}

// Start begins the scheduling loop.
func (c *Coordinator) Start() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})

	go c.scheduleLoop(c.stopChan)
}

// Stop halts the scheduling loop. In-flight attempts finish on their own.
func (c *Coordinator) Stop() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stopChan)
}

// NotifyMissing enqueues retry tickets for timed-out blocks. Indices that
// already hold a ticket keep their existing schedule.
func (c *Coordinator) NotifyMissing(indices []int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.tp.Now()
	gen := c.tracker.Generation()
	for _, index := range indices {
		if _, exists := c.tickets[index]; exists {
			continue
		}
		delay := c.Delay(1)
		c.tickets[index] = &ticket{
			index:       index,
			nextAttempt: now.Add(delay),
			delay:       delay,
			generation:  gen,
		}
	}

	if len(indices) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "NotifyMissing",
			"count":    len(indices),
			"pending":  len(c.tickets),
		}).Info("Retry tickets enqueued")
	}
}

// Pending returns the number of blocks currently holding retry tickets.
func (c *Coordinator) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.tickets)
}

// Delay computes the backoff before the given attempt number (1-based):
// BaseDelay * BackoffFactor^(attempt-1), clamped to MaxDelay, plus uniform
// random jitter in [0, JitterMax).
func (c *Coordinator) Delay(attempt int) time.Duration {
	d := float64(c.cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= c.cfg.BackoffFactor
		if d >= float64(c.cfg.MaxDelay) {
			break
		}
	}
	if d > float64(c.cfg.MaxDelay) {
		d = float64(c.cfg.MaxDelay)
	}

	jitterBig, err := rand.Int(rand.Reader, big.NewInt(int64(c.cfg.JitterMax)))
	if err != nil {
		return time.Duration(d)
	}
	return time.Duration(d) + time.Duration(jitterBig.Int64())
}

// scheduleLoop scans for due tickets until stopped.
func (c *Coordinator) scheduleLoop(stop chan struct{}) {
	for {
		select {
		case <-time.After(c.cfg.PollInterval):
			c.dispatchDue()
		case <-stop:
			return
		}
	}
}

// dispatchDue launches attempts for every ticket whose backoff elapsed,
// within the concurrency bound. Stale tickets are dropped without an attempt.
func (c *Coordinator) dispatchDue() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.tp.Now()
	gen := c.tracker.Generation()
	for index, tk := range c.tickets {
		if tk.inFlight || now.Before(tk.nextAttempt) {
			continue
		}
		if tk.generation != gen || !c.tracker.IsMissing(index) {
			delete(c.tickets, index)
			continue
		}
		if c.active >= c.cfg.MaxConcurrent {
			return
		}

		tk.inFlight = true
		tk.attempts++
		c.active++
		if err := c.tracker.MarkRetrying(index); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "dispatchDue",
				"index":    index,
				"error":    err.Error(),
			}).Warn("Failed to mark block retrying")
		}
		go c.attempt(tk)
	}
}

// attempt performs one re-acquisition and records the outcome.
func (c *Coordinator) attempt(tk *ticket) {
	err := c.acquirer.Reacquire(tk.index)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.active--
	tk.inFlight = false
	tk.lastErr = err

	if err == nil {
		delete(c.tickets, tk.index)
		logrus.WithFields(logrus.Fields{
			"function": "attempt",
			"index":    tk.index,
			"attempts": tk.attempts,
		}).Info("Block re-acquired")
		return
	}

	if tk.attempts >= c.cfg.MaxRetries {
		delete(c.tickets, tk.index)
		if markErr := c.tracker.MarkFailed(tk.index); markErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "attempt",
				"index":    tk.index,
				"error":    markErr.Error(),
			}).Warn("Failed to mark block failed")
		}
		logrus.WithFields(logrus.Fields{
			"function": "attempt",
			"index":    tk.index,
			"attempts": tk.attempts,
			"error":    err.Error(),
		}).Error("Block permanently failed after retry ceiling")
		if c.onFailed != nil {
			go c.onFailed(tk.index, tk.attempts, tk.lastErr)
		}
		return
	}

	tk.delay = c.Delay(tk.attempts + 1)
	tk.nextAttempt = c.tp.Now().Add(tk.delay)
	if markErr := c.tracker.MarkAwaitingRetry(tk.index); markErr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "attempt",
			"index":    tk.index,
			"error":    markErr.Error(),
		}).Warn("Failed to mark block awaiting retry")
	}
	logrus.WithFields(logrus.Fields{
		"function": "attempt",
		"index":    tk.index,
		"attempts": tk.attempts,
		"backoff":  tk.delay.String(),
		"error":    err.Error(),
	}).Debug("Retry attempt failed, backing off")
}
