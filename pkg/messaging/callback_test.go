package messaging

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingCallback struct {
	responses int32
	failures  int32
	snitch    bool
}

func (c *recordingCallback) Response(MessageIn)  { atomic.AddInt32(&c.responses, 1) }
func (c *recordingCallback) IsLatencyForSnitch() bool { return c.snitch }
func (c *recordingCallback) OnFailure(string)    { atomic.AddInt32(&c.failures, 1) }

func TestRegistryPutDuplicateFails(t *testing.T) {
	r := NewCallbackRegistry(nil)
	defer r.ShutdownBlocking()

	cb := &recordingCallback{}
	if err := r.Put(1, CallbackInfo{Callback: cb, CreatedAt: time.Now()}, time.Minute); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := r.Put(1, CallbackInfo{Callback: cb, CreatedAt: time.Now()}, time.Minute); err == nil {
		t.Fatalf("expected duplicate Put(1) to fail while id is live")
	}
	r.Remove(1)
}

func TestRegistryRemoveTakesOnce(t *testing.T) {
	r := NewCallbackRegistry(nil)
	defer r.ShutdownBlocking()

	cb := &recordingCallback{}
	_ = r.Put(5, CallbackInfo{Callback: cb, CreatedAt: time.Now()}, time.Minute)

	info, ok := r.Remove(5)
	if !ok || info.Callback != cb {
		t.Fatalf("Remove(5) = (%v,%v), want (matching info, true)", info, ok)
	}
	if _, ok := r.Remove(5); ok {
		t.Fatalf("second Remove(5) should find nothing")
	}
}

func TestRegistryExpirySweepInvokesReporterOnce(t *testing.T) {
	var calls int32
	var reportedID int32
	reporter := func(id int32, info CallbackInfo, elapsed time.Duration) {
		atomic.AddInt32(&calls, 1)
		atomic.StoreInt32(&reportedID, id)
	}
	r := NewCallbackRegistry(reporter)
	defer r.ShutdownBlocking()

	cb := &recordingCallback{}
	_ = r.Put(42, CallbackInfo{Target: "peer-1", Callback: cb, CreatedAt: time.Now()}, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 timeout report, got %d", calls)
	}
	if atomic.LoadInt32(&reportedID) != 42 {
		t.Fatalf("reporter saw id %d, want 42", reportedID)
	}
	if _, ok := r.Get(42); ok {
		t.Fatalf("expired entry should have been evicted from the registry")
	}
}

func TestRegistryResetDropsEntriesWithoutReporting(t *testing.T) {
	var calls int32
	r := NewCallbackRegistry(func(int32, CallbackInfo, time.Duration) {
		atomic.AddInt32(&calls, 1)
	})
	defer r.ShutdownBlocking()

	_ = r.Put(1, CallbackInfo{Callback: &recordingCallback{}, CreatedAt: time.Now()}, time.Minute)
	_ = r.Put(2, CallbackInfo{Callback: &recordingCallback{}, CreatedAt: time.Now()}, time.Minute)

	r.Reset()

	if r.Len() != 0 {
		t.Fatalf("Len after Reset = %d, want 0", r.Len())
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("Reset must not invoke the timeout reporter, got %d calls", calls)
	}
}

func TestRegistryShutdownBlockingWaitsForDrain(t *testing.T) {
	r := NewCallbackRegistry(nil)
	_ = r.Put(1, CallbackInfo{Callback: &recordingCallback{}, CreatedAt: time.Now()}, 30*time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.ShutdownBlocking()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("ShutdownBlocking returned before the live entry drained")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("ShutdownBlocking never returned after the entry expired")
	}

	if err := r.Put(99, CallbackInfo{Callback: &recordingCallback{}, CreatedAt: time.Now()}, time.Second); err == nil {
		t.Fatalf("Put after ShutdownBlocking should be rejected")
	}
}

func TestRegistryConcurrentIDUniqueness(t *testing.T) {
	r := NewCallbackRegistry(nil)
	defer r.ShutdownBlocking()

	const n = 200
	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Put(7, CallbackInfo{Callback: &recordingCallback{}, CreatedAt: time.Now()}, time.Minute); err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("exactly one concurrent Put(7) should succeed while the id is live, got %d", successes)
	}
	r.Remove(7)
}
