package breaker

import (
	"sync"
	"testing"
	"time"
)

func TestManager_GetCreatesOnce(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := NewManager(DefaultConfig(""))

	first := m.Get("llm")
	second := m.Get("llm")
	if first != second {
		t.Error("Get returned different breakers for the same target")
	}
	if first.Name() != "llm" {
		t.Errorf("Name = %q, want llm", first.Name())
	}
}

func TestManager_GetOrCreateUsesCustomConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := NewManager(DefaultConfig(""))

	cfg := &Config{
		FailureThreshold: 2,
		ResetTimeout:     5 * time.Second,
		MaxResetTimeout:  time.Minute,
	}
	b := m.GetOrCreate("graph-sink", cfg)
	if b.cfg.FailureThreshold != 2 {
		t.Errorf("FailureThreshold = %d, want 2", b.cfg.FailureThreshold)
	}

	// Existing breaker wins over a new config.
	other := m.GetOrCreate("graph-sink", DefaultConfig(""))
	if other != b {
		t.Error("GetOrCreate replaced an existing breaker")
	}
}

func TestManager_ConcurrentGetSingleInstance(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := NewManager(nil)

	var wg sync.WaitGroup
	results := make([]*Breaker, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Get("store")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent Get produced multiple breakers")
		}
	}
	if got := len(m.List()); got != 1 {
		t.Errorf("List() length = %d, want 1", got)
	}
}

func TestManager_SnapshotAndAnyOpen(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := NewManager(&Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		MaxResetTimeout:  10 * time.Minute,
	})

	healthy := m.Get("store")
	_ = healthy.Execute(func() error { return nil })

	tripped := m.Get("llm")
	_ = tripped.Execute(func() error { return errBoom })

	if !m.AnyOpen() {
		t.Error("AnyOpen = false with a tripped breaker")
	}

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot length = %d, want 2", len(snap))
	}
	if snap["llm"].State != StateOpen {
		t.Errorf("llm state = %s, want OPEN", snap["llm"].State)
	}
	if snap["store"].State != StateClosed {
		t.Errorf("store state = %s, want CLOSED", snap["store"].State)
	}
	if snap["store"].Counts.TotalSuccesses != 1 {
		t.Errorf("store successes = %d, want 1", snap["store"].Counts.TotalSuccesses)
	}
}
