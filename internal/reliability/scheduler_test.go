package reliability

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_SubmitAndComplete(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	var ran int32
	done := make(chan struct{})
	err := s.Submit(&Task{
		PluginID: "p1",
		Kind:     TaskRefresh,
		Deadline: time.Now().Add(time.Second),
		Run: func(ctx context.Context) (Outcome, error) {
			atomic.AddInt32(&ran, 1)
			close(done)
			return OutcomeRetryable, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	time.Sleep(10 * time.Millisecond)
	if got := s.Stats().Completed; got != 1 {
		t.Errorf("Completed = %d, want 1", got)
	}
}

func TestScheduler_PerPluginFIFO(t *testing.T) {
	s := NewScheduler(WithWorkers(4))
	defer s.Shutdown()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		s.Submit(&Task{
			PluginID: "same-plugin",
			Kind:     TaskRefresh,
			Deadline: time.Now().Add(time.Second),
			Run: func(ctx context.Context) (Outcome, error) {
				defer wg.Done()
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return OutcomeRetryable, nil
			},
		})
	}

	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks for one plugin ran out of order: %v", order)
		}
	}
}

func TestScheduler_PanicDoesNotPoisonCounters(t *testing.T) {
	s := NewScheduler(WithWorkers(1))
	defer s.Shutdown()

	done := make(chan struct{})
	s.Submit(&Task{
		PluginID: "p1",
		Kind:     TaskRefresh,
		Deadline: time.Now().Add(time.Second),
		Run: func(ctx context.Context) (Outcome, error) {
			defer close(done)
			panic("boom")
		},
	})
	<-done
	time.Sleep(10 * time.Millisecond)

	stats := s.Stats()
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.Completed != 0 {
		t.Errorf("Completed = %d, want 0", stats.Completed)
	}

	// Scheduler should still accept and run further tasks after a panic.
	done2 := make(chan struct{})
	s.Submit(&Task{
		PluginID: "p1",
		Kind:     TaskRefresh,
		Deadline: time.Now().Add(time.Second),
		Run: func(ctx context.Context) (Outcome, error) {
			close(done2)
			return OutcomeRetryable, nil
		},
	})
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("scheduler stopped running tasks after a panic")
	}
}

func TestScheduler_QueueFull(t *testing.T) {
	s := NewScheduler(WithCapacity(1), WithWorkers(0))
	defer s.Shutdown()

	block := make(chan struct{})
	_ = block

	if err := s.Submit(&Task{PluginID: "p1", Deadline: time.Now().Add(time.Minute), Run: func(ctx context.Context) (Outcome, error) {
		return OutcomeRetryable, nil
	}}); err != nil {
		t.Fatalf("first submit should succeed: %v", err)
	}
	if err := s.Submit(&Task{PluginID: "p2", Deadline: time.Now().Add(time.Minute), Run: func(ctx context.Context) (Outcome, error) {
		return OutcomeRetryable, nil
	}}); err == nil {
		t.Fatal("expected second submit to fail with ErrQueueFull")
	}
}
