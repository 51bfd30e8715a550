package capability

import (
	"sync"
	"time"
)

const defaultMaxOutstandingTimers = 50

// timerState tracks a registered timer through its single state map so
// "pending registration" and "active" can never both miss a cancel (§4.2).
type timerState struct {
	timer *time.Timer
}

// TimerRegistry enforces a per-plugin outstanding-timer cap and guarantees
// the reserved semaphore permit is released exactly once, on whichever path
// completes first: fire, cancel, or plugin teardown.
type TimerRegistry struct {
	mu       sync.Mutex
	max      int
	counts   map[string]int
	timers   map[string]map[int64]*timerState
	nextID   int64
}

// NewTimerRegistry creates a registry capping each plugin at max outstanding
// timers (0 uses the documented default of 50).
func NewTimerRegistry(max int) *TimerRegistry {
	if max <= 0 {
		max = defaultMaxOutstandingTimers
	}
	return &TimerRegistry{
		max:    max,
		counts: make(map[string]int),
		timers: make(map[string]map[int64]*timerState),
	}
}

// Register reserves a permit and schedules fn to run after delay, returning
// the timer id and ok=false if the plugin's outstanding-timer cap is already
// exhausted (the permit reservation and the cap check happen atomically
// under one lock, so two concurrent Register calls can't both succeed past
// the cap).
func (r *TimerRegistry) Register(pluginID string, delay time.Duration, fn func()) (id int64, ok bool) {
	r.mu.Lock()
	if r.counts[pluginID] >= r.max {
		r.mu.Unlock()
		return 0, false
	}
	r.counts[pluginID]++
	r.nextID++
	id = r.nextID
	bucket, exists := r.timers[pluginID]
	if !exists {
		bucket = make(map[int64]*timerState)
		r.timers[pluginID] = bucket
	}

	state := &timerState{}
	state.timer = time.AfterFunc(delay, func() {
		r.release(pluginID, id)
		fn()
	})
	bucket[id] = state
	r.mu.Unlock()
	return id, true
}

// Cancel stops and releases timer id for pluginID if it is still
// outstanding (either pending registration or active); returns true if a
// timer was actually cancelled.
func (r *TimerRegistry) Cancel(pluginID string, id int64) bool {
	r.mu.Lock()
	bucket, ok := r.timers[pluginID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	state, ok := bucket[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(bucket, id)
	r.counts[pluginID]--
	r.mu.Unlock()

	state.timer.Stop()
	return true
}

// release removes id from the bookkeeping map and frees its permit; called
// once a timer has fired. Safe to call even if Cancel raced it and already
// removed the entry — the map lookup makes double-release a no-op.
func (r *TimerRegistry) release(pluginID string, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.timers[pluginID]
	if !ok {
		return
	}
	if _, ok := bucket[id]; !ok {
		return
	}
	delete(bucket, id)
	r.counts[pluginID]--
}

// TeardownPlugin cancels every outstanding timer for pluginID, releasing all
// of its permits. Used when a plugin is disabled, reloaded, or uninstalled.
func (r *TimerRegistry) TeardownPlugin(pluginID string) {
	r.mu.Lock()
	bucket := r.timers[pluginID]
	ids := make([]int64, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Cancel(pluginID, id)
	}
}

// Outstanding reports how many timers pluginID currently has reserved.
func (r *TimerRegistry) Outstanding(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[pluginID]
}
