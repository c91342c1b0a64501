package lane

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/fiscal"
)

// ---------------------------------------------------------------------------
// Lane state
// ---------------------------------------------------------------------------

func TestManager_StartsRunning(t *testing.T) {
	m := NewManager(DefaultTable())
	for _, st := range m.Snapshot() {
		if st.State != StateRunning {
			t.Errorf("%s state = %s, want running", st.Name, st.State)
		}
	}
	if !m.Dispatchable(IssueHigh) {
		t.Fatal("expected running lane to be dispatchable")
	}
	if m.Dispatchable("unknown") {
		t.Fatal("unknown lane must not be dispatchable")
	}
}

func TestManager_PauseResume(t *testing.T) {
	m := NewManager(DefaultTable())

	if err := m.Pause(Query); err != nil {
		t.Fatal(err)
	}
	if m.Dispatchable(Query) {
		t.Fatal("paused lane must not be dispatchable")
	}
	if err := m.Resume(Query); err != nil {
		t.Fatal(err)
	}
	if !m.Dispatchable(Query) {
		t.Fatal("resumed lane must be dispatchable")
	}

	if err := m.Pause("nope"); !errors.Is(err, fiscal.ErrLaneNotFound) {
		t.Errorf("err = %v, want ErrLaneNotFound", err)
	}
}

func TestManager_DrainWaitsForInFlight(t *testing.T) {
	m := NewManager(DefaultTable())
	if !m.Acquire(Event, "T1") {
		t.Fatal("Acquire should succeed")
	}

	done := make(chan error, 1)
	go func() { done <- m.Drain(context.Background(), Event) }()

	// Drain must not finish while the item is in flight.
	select {
	case err := <-done:
		t.Fatalf("Drain returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if m.Dispatchable(Event) {
		t.Fatal("draining lane must not be dispatchable")
	}

	m.Release(Event, "T1")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Drain did not finish after release")
	}

	st, _ := m.State(Event)
	if st != StateDrained {
		t.Errorf("state = %s, want drained", st)
	}
}

func TestManager_DrainIdleLane(t *testing.T) {
	m := NewManager(DefaultTable())
	if err := m.Drain(context.Background(), Void); err != nil {
		t.Fatal(err)
	}
	st, _ := m.State(Void)
	if st != StateDrained {
		t.Errorf("state = %s, want drained", st)
	}
}

func TestManager_DrainContextCancelled(t *testing.T) {
	m := NewManager(DefaultTable())
	m.Acquire(Void, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Drain(ctx, Void); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestManager_AcquireRefusedUnlessRunning(t *testing.T) {
	m := NewManager(DefaultTable())

	if err := m.Drain(context.Background(), IssueHigh); err != nil {
		t.Fatal(err)
	}
	if m.Acquire(IssueHigh, "T1") {
		t.Fatal("drained lane admitted an item")
	}
	if got := m.ActiveCount(IssueHigh); got != 0 {
		t.Errorf("ActiveCount = %d, want 0", got)
	}
	st, _ := m.State(IssueHigh)
	if st != StateDrained {
		t.Errorf("state = %s, want drained", st)
	}

	if err := m.Pause(IssueNormal); err != nil {
		t.Fatal(err)
	}
	if m.Acquire(IssueNormal, "") {
		t.Fatal("paused lane admitted an item")
	}

	if err := m.Resume(IssueHigh); err != nil {
		t.Fatal(err)
	}
	if !m.Acquire(IssueHigh, "T1") {
		t.Fatal("resumed lane refused an item")
	}
}

func TestManager_DrainInterruptedByResume(t *testing.T) {
	m := NewManager(DefaultTable())
	if !m.Acquire(Query, "T1") {
		t.Fatal("Acquire should succeed")
	}

	done := make(chan error, 1)
	go func() { done <- m.Drain(context.Background(), Query) }()

	// Wait until the drain is registered.
	deadline := time.Now().Add(time.Second)
	for {
		if st, _ := m.State(Query); st == StateDraining {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lane never entered draining")
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.Resume(Query); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, fiscal.ErrDrainInterrupted) {
			t.Fatalf("err = %v, want ErrDrainInterrupted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after Resume")
	}
	if got := m.ActiveCount(Query); got != 1 {
		t.Errorf("ActiveCount = %d, want the in-flight item still counted", got)
	}
	m.Release(Query, "T1")
}

// ---------------------------------------------------------------------------
// Rate limits
// ---------------------------------------------------------------------------

func TestManager_LaneRateLimit(t *testing.T) {
	tbl, err := DefaultTable().WithOverrides(map[string]fiscal.LaneOverride{
		Query: {RateLimit: 1, RateBurst: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(tbl)

	if !m.Acquire(Query, "") {
		t.Fatal("first Acquire should succeed")
	}
	m.Release(Query, "")
	if m.Acquire(Query, "") {
		t.Fatal("second Acquire should fail (rate limited)")
	}
}

func TestManager_TenantLimits(t *testing.T) {
	m := NewManager(DefaultTable())
	m.SetTenantConfig(TenantConfig{Lane: IssueLow, TenantID: "T1", MaxConcurrency: 1})

	if !m.Acquire(IssueLow, "T1") {
		t.Fatal("first Acquire should succeed")
	}
	if m.Acquire(IssueLow, "T1") {
		t.Fatal("second Acquire for T1 should fail (max concurrency 1)")
	}
	if !m.Acquire(IssueLow, "T2") {
		t.Fatal("other tenants are unaffected")
	}
	if got := m.TenantActiveCount(IssueLow, "T1"); got != 1 {
		t.Errorf("TenantActiveCount = %d, want 1", got)
	}
	if got := m.ActiveCount(IssueLow); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}

	m.Release(IssueLow, "T1")
	if !m.Acquire(IssueLow, "T1") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(DefaultTable())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire(IssueNormal, "T1") {
				time.Sleep(time.Millisecond)
				m.Release(IssueNormal, "T1")
			}
		}()
	}
	wg.Wait()
	if got := m.ActiveCount(IssueNormal); got != 0 {
		t.Errorf("ActiveCount = %d after all releases, want 0", got)
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(DefaultTable())
	m.Release(Retry, "T1")
	if got := m.ActiveCount(Retry); got != 0 {
		t.Errorf("ActiveCount = %d, want 0", got)
	}
}
