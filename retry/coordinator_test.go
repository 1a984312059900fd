package retry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTracker is a thread-safe BlockTracker with controllable state.
type mockTracker struct {
	mu         sync.Mutex
	missing    map[int]bool
	generation uint64
	failed     []int
	retrying   []int
}

func newMockTracker(indices ...int) *mockTracker {
	m := &mockTracker{missing: make(map[int]bool)}
	for _, i := range indices {
		m.missing[i] = true
	}
	return m
}

func (m *mockTracker) IsMissing(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missing[index]
}

func (m *mockTracker) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *mockTracker) MarkRetrying(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrying = append(m.retrying, index)
	return nil
}

func (m *mockTracker) MarkAwaitingRetry(index int) error { return nil }

func (m *mockTracker) MarkFailed(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, index)
	return nil
}

func (m *mockTracker) bumpGeneration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
}

func (m *mockTracker) setMissing(index int, missing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[index] = missing
}

func (m *mockTracker) failedIndices() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.failed...)
}

// mockAcquirer returns scripted results and counts attempts.
type mockAcquirer struct {
	mu       sync.Mutex
	err      error
	attempts map[int]int
	onCall   func(index int)
	tracker  *mockTracker
}

func newMockAcquirer(err error) *mockAcquirer {
	return &mockAcquirer{err: err, attempts: make(map[int]int)}
}

func (m *mockAcquirer) Reacquire(index int) error {
	m.mu.Lock()
	m.attempts[index]++
	cb := m.onCall
	m.mu.Unlock()

	if cb != nil {
		cb(index)
	}
	if m.err == nil && m.tracker != nil {
		m.tracker.setMissing(index, false)
	}
	return m.err
}

func (m *mockAcquirer) attemptCount(index int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[index]
}

// fastConfig keeps test runtimes short and jitter effectively zero.
func fastConfig() Config {
	return Config{
		PollInterval:  2 * time.Millisecond,
		BaseDelay:     time.Millisecond,
		MaxDelay:      4 * time.Millisecond,
		JitterMax:     1, // one nanosecond: rand.Int(_, 1) is always zero
		BackoffFactor: 2.0,
		MaxRetries:    3,
		MaxConcurrent: 2,
	}
}

func TestDelayBackoffAndClamp(t *testing.T) {
	c := NewCoordinator(Config{
		BaseDelay:     time.Second,
		MaxDelay:      8 * time.Second,
		JitterMax:     1,
		BackoffFactor: 2.0,
	}, newMockTracker(), newMockAcquirer(nil))

	assert.Equal(t, time.Second, c.Delay(1))
	assert.Equal(t, 2*time.Second, c.Delay(2))
	assert.Equal(t, 4*time.Second, c.Delay(3))
	assert.Equal(t, 8*time.Second, c.Delay(4))
	assert.Equal(t, 8*time.Second, c.Delay(5), "backoff must clamp at MaxDelay")
	assert.Equal(t, 8*time.Second, c.Delay(50))
}

func TestDelayJitterWithinBound(t *testing.T) {
	c := NewCoordinator(Config{
		BaseDelay:     time.Second,
		MaxDelay:      time.Second,
		JitterMax:     100 * time.Millisecond,
		BackoffFactor: 2.0,
	}, newMockTracker(), newMockAcquirer(nil))

	for i := 0; i < 50; i++ {
		d := c.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, time.Second+100*time.Millisecond)
	}
}

func TestSuccessfulReacquisitionRemovesTicket(t *testing.T) {
	tracker := newMockTracker(7)
	acquirer := newMockAcquirer(nil)
	acquirer.tracker = tracker

	c := NewCoordinator(fastConfig(), tracker, acquirer)
	c.Start()
	defer c.Stop()

	c.NotifyMissing([]int{7})
	require.Eventually(t, func() bool {
		return c.Pending() == 0
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, acquirer.attemptCount(7))
	assert.Empty(t, tracker.failedIndices())
}

func TestRetryCeilingMarksPermanentFailure(t *testing.T) {
	tracker := newMockTracker(3)
	acquirer := newMockAcquirer(errors.New("capture failed"))

	c := NewCoordinator(fastConfig(), tracker, acquirer)

	var cbMu sync.Mutex
	var failedIdx, failedAttempts int
	var failedErr error
	c.OnPermanentFailure(func(index, attempts int, lastErr error) {
		cbMu.Lock()
		defer cbMu.Unlock()
		failedIdx = index
		failedAttempts = attempts
		failedErr = lastErr
	})

	c.Start()
	defer c.Stop()
	c.NotifyMissing([]int{3})

	require.Eventually(t, func() bool {
		return len(tracker.failedIndices()) == 1
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, []int{3}, tracker.failedIndices())
	assert.Equal(t, 3, acquirer.attemptCount(3), "attempt count must equal MaxRetries")
	assert.Equal(t, 0, c.Pending())

	require.Eventually(t, func() bool {
		cbMu.Lock()
		defer cbMu.Unlock()
		return failedIdx == 3 && failedAttempts == 3
	}, time.Second, time.Millisecond)

	cbMu.Lock()
	defer cbMu.Unlock()
	require.Error(t, failedErr, "failure report must carry the final attempt's error")
	assert.Contains(t, failedErr.Error(), "capture failed")
}

func TestStaleGenerationTicketDropped(t *testing.T) {
	tracker := newMockTracker(1)
	acquirer := newMockAcquirer(errors.New("should never be called"))

	c := NewCoordinator(fastConfig(), tracker, acquirer)
	c.NotifyMissing([]int{1})
	tracker.bumpGeneration()

	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return c.Pending() == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, acquirer.attemptCount(1), "stale ticket must not trigger an attempt")
}

func TestArrivedBlockTicketDropped(t *testing.T) {
	tracker := newMockTracker(2)
	acquirer := newMockAcquirer(errors.New("should never be called"))

	c := NewCoordinator(fastConfig(), tracker, acquirer)
	c.NotifyMissing([]int{2})

	// The block shows up on its own before the first attempt.
	tracker.setMissing(2, false)

	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return c.Pending() == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, acquirer.attemptCount(2))
}

func TestConcurrencyBound(t *testing.T) {
	tracker := newMockTracker(0, 1, 2, 3, 4)
	acquirer := newMockAcquirer(nil)
	acquirer.tracker = tracker

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	release := make(chan struct{})
	acquirer.onCall = func(int) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	c := NewCoordinator(fastConfig(), tracker, acquirer)
	c.Start()
	defer c.Stop()
	c.NotifyMissing([]int{0, 1, 2, 3, 4})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return maxInFlight >= 2
	}, time.Second, time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		return c.Pending() == 0
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 2, "in-flight attempts must respect MaxConcurrent")
}

func TestNotifyMissingKeepsExistingTicket(t *testing.T) {
	tracker := newMockTracker(9)
	c := NewCoordinator(fastConfig(), tracker, newMockAcquirer(errors.New("x")))

	c.NotifyMissing([]int{9})
	c.NotifyMissing([]int{9})
	assert.Equal(t, 1, c.Pending())
}

func TestStartStopIdempotent(t *testing.T) {
	c := NewCoordinator(fastConfig(), newMockTracker(), newMockAcquirer(nil))
	c.Start()
	c.Start()
	c.Stop()
	c.Stop()
}
