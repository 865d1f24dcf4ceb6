package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartograph-io/cartograph/internal/breaker"
	"github.com/cartograph-io/cartograph/internal/ratelimit"
)

var errSlotTest = errors.New("slot test failure")

// fakeSampler returns scripted resource readings.
type fakeSampler struct {
	cpu float64
	mem float64
	err error
}

func (s *fakeSampler) Sample(context.Context) (float64, float64, error) {
	return s.cpu, s.mem, s.err
}

// generousRate keeps the rate limiter out of capacity-focused tests.
var generousRate = ratelimit.Params{Requests: 1 << 20, Window: time.Second}

func newTestPool(t *testing.T, cfg *Config) *Manager {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := NewManager(cfg, logger, WithSampler(&fakeSampler{}))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return m
}

func TestManager_UnknownClass(t *testing.T) {
	m := newTestPool(t, nil)

	err := m.RequestJobSlot(context.Background(), "no-such-class")
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestManager_DuplicateRegistration(t *testing.T) {
	m := newTestPool(t, nil)

	require.NoError(t, m.Register("validation", ClassConfig{Min: 1, Max: 4}))
	err := m.Register("validation", ClassConfig{Min: 1, Max: 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestManager_ClassCapEnforced(t *testing.T) {
	m := newTestPool(t, nil)
	require.NoError(t, m.Register("file-analysis", ClassConfig{
		Min: 2, Max: 5, RateLimit: generousRate,
	}))

	ctx := context.Background()
	require.NoError(t, m.RequestJobSlot(ctx, "file-analysis"))
	require.NoError(t, m.RequestJobSlot(ctx, "file-analysis"))

	err := m.RequestJobSlot(ctx, "file-analysis")
	assert.ErrorIs(t, err, ErrClassSaturated)

	m.ReleaseJobSlot("file-analysis", true, 10*time.Millisecond)
	assert.NoError(t, m.RequestJobSlot(ctx, "file-analysis"))

	snap := m.Snapshot()
	require.Len(t, snap.Classes, 1)
	assert.Equal(t, 2, snap.Classes[0].Active)
	assert.Equal(t, uint64(1), snap.Classes[0].Throttled)
}

func TestManager_GlobalCapEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxGlobalConcurrency = 3

	m := newTestPool(t, cfg)
	require.NoError(t, m.Register("file-analysis", ClassConfig{
		Min: 2, Max: 4, RateLimit: generousRate,
	}))
	require.NoError(t, m.Register("validation", ClassConfig{
		Min: 2, Max: 4, RateLimit: generousRate,
	}))

	ctx := context.Background()
	require.NoError(t, m.RequestJobSlot(ctx, "file-analysis"))
	require.NoError(t, m.RequestJobSlot(ctx, "file-analysis"))
	require.NoError(t, m.RequestJobSlot(ctx, "validation"))

	// validation has class capacity left but the pool does not.
	err := m.RequestJobSlot(ctx, "validation")
	assert.ErrorIs(t, err, ErrPoolSaturated)
}

func TestManager_HardCeilingIgnoresConfiguration(t *testing.T) {
	m := newTestPool(t, nil)

	// Force an out-of-range cap past validation to prove the ceiling holds
	// on its own.
	m.cfg.MaxGlobalConcurrency = 1000

	require.NoError(t, m.Register("file-analysis", ClassConfig{
		Min: 200, Max: 300, RateLimit: generousRate,
	}))

	ctx := context.Background()
	for i := 0; i < HardGlobalCeiling; i++ {
		require.NoError(t, m.RequestJobSlot(ctx, "file-analysis"))
	}

	err := m.RequestJobSlot(ctx, "file-analysis")
	assert.ErrorIs(t, err, ErrPoolSaturated)
	assert.Equal(t, HardGlobalCeiling, m.Snapshot().GlobalActive)
}

func TestManager_RateLimitedAdmission(t *testing.T) {
	m := newTestPool(t, nil)
	require.NoError(t, m.Register("triangulation", ClassConfig{
		Min: 5, Max: 5,
		RateLimit: ratelimit.Params{Requests: 1, Window: time.Hour},
	}))

	ctx := context.Background()

	// The hourly budget allows a burst of two grants.
	require.NoError(t, m.RequestJobSlot(ctx, "triangulation"))
	require.NoError(t, m.RequestJobSlot(ctx, "triangulation"))

	err := m.RequestJobSlot(ctx, "triangulation")
	assert.ErrorIs(t, err, ErrRateLimited)

	// The rejected request must not leak its provisional slot.
	snap := m.Snapshot()
	assert.Equal(t, 2, snap.GlobalActive)
	assert.Equal(t, 2, snap.Classes[0].Active)
}

func TestManager_RateRetryRecoversWithinGrace(t *testing.T) {
	m := newTestPool(t, nil)
	require.NoError(t, m.Register("file-analysis", ClassConfig{
		Min: 10, Max: 10,
		RateLimit: ratelimit.Params{Requests: 5, Window: 250 * time.Millisecond},
	}))

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, m.RequestJobSlot(ctx, "file-analysis"))
	}

	// Budget exhausted, but the 100 ms grace window refills enough.
	assert.NoError(t, m.RequestJobSlot(ctx, "file-analysis"))
}

func TestManager_RateWaitHonorsContext(t *testing.T) {
	m := newTestPool(t, nil)
	require.NoError(t, m.Register("triangulation", ClassConfig{
		Min: 5, Max: 5,
		RateLimit: ratelimit.Params{Requests: 1, Window: time.Hour},
	}))

	ctx := context.Background()
	require.NoError(t, m.RequestJobSlot(ctx, "triangulation"))
	require.NoError(t, m.RequestJobSlot(ctx, "triangulation"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	err := m.RequestJobSlot(cancelled, "triangulation")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, m.Snapshot().GlobalActive)
}

func TestManager_CircuitOpenRejectsAdmission(t *testing.T) {
	m := newTestPool(t, nil)
	require.NoError(t, m.Register("llm", ClassConfig{
		Min: 4, Max: 4, RateLimit: generousRate,
		Breaker: &breaker.Config{
			Name:             "llm",
			FailureThreshold: 1,
			ResetTimeout:     time.Minute,
			MaxResetTimeout:  5 * time.Minute,
		},
	}))

	require.Error(t, m.Breakers().Get("llm").Execute(func() error { return errSlotTest }))
	require.Equal(t, breaker.StateOpen, m.Breakers().Get("llm").State())

	err := m.RequestJobSlot(context.Background(), "llm")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Zero(t, m.Snapshot().GlobalActive)
}

func TestManager_ReleaseRecordsOutcome(t *testing.T) {
	m := newTestPool(t, nil)
	require.NoError(t, m.Register("validation", ClassConfig{
		Min: 3, Max: 3, RateLimit: generousRate,
	}))

	ctx := context.Background()
	require.NoError(t, m.RequestJobSlot(ctx, "validation"))
	m.ReleaseJobSlot("validation", true, 100*time.Millisecond)

	snap := m.Snapshot()
	require.Len(t, snap.Classes, 1)
	assert.Equal(t, uint64(1), snap.Classes[0].TotalExecuted)
	assert.Zero(t, snap.Classes[0].TotalErrors)
	assert.Equal(t, 100*time.Millisecond, snap.Classes[0].AvgResponse)

	require.NoError(t, m.RequestJobSlot(ctx, "validation"))
	m.ReleaseJobSlot("validation", false, 300*time.Millisecond)

	snap = m.Snapshot()
	assert.Equal(t, uint64(2), snap.Classes[0].TotalExecuted)
	assert.Equal(t, uint64(1), snap.Classes[0].TotalErrors)
	assert.Equal(t, 0.5, snap.Classes[0].ErrorRate)

	// Smoothed average: 0.1*300ms + 0.9*100ms.
	assert.InDelta(t, float64(120*time.Millisecond), float64(snap.Classes[0].AvgResponse), float64(time.Millisecond))
}

func TestManager_ExecuteWithManagement(t *testing.T) {
	m := newTestPool(t, nil)
	require.NoError(t, m.Register("graph-ingest", ClassConfig{
		Min: 2, Max: 2, RateLimit: generousRate,
	}))

	ctx := context.Background()

	var ran bool
	err := m.ExecuteWithManagement(ctx, "graph-ingest", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	err = m.ExecuteWithManagement(ctx, "graph-ingest", func(context.Context) error {
		return errSlotTest
	})
	assert.ErrorIs(t, err, errSlotTest)

	snap := m.Snapshot()
	assert.Zero(t, snap.GlobalActive)
	assert.Equal(t, uint64(2), snap.Classes[0].TotalExecuted)
	assert.Equal(t, uint64(1), snap.Classes[0].TotalErrors)

	counts := m.Breakers().Get("graph-ingest").Counts()
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func TestManager_ExecuteWithManagementReleasesOnPanic(t *testing.T) {
	m := newTestPool(t, nil)
	require.NoError(t, m.Register("file-analysis", ClassConfig{
		Min: 2, Max: 2, RateLimit: generousRate,
	}))

	require.Panics(t, func() {
		_ = m.ExecuteWithManagement(context.Background(), "file-analysis", func(context.Context) error {
			panic("parser blew up")
		})
	})

	snap := m.Snapshot()
	assert.Zero(t, snap.GlobalActive)
	assert.Zero(t, snap.Classes[0].Active)
	assert.Equal(t, uint64(1), snap.Classes[0].TotalErrors)

	// The slot is usable again after the panic.
	assert.NoError(t, m.RequestJobSlot(context.Background(), "file-analysis"))
}

func TestManager_ClosedPoolRejectsRequests(t *testing.T) {
	m := newTestPool(t, nil)
	require.NoError(t, m.Register("validation", ClassConfig{
		Min: 1, Max: 1, RateLimit: generousRate,
	}))

	m.Close()
	m.Close()

	err := m.RequestJobSlot(context.Background(), "validation")
	assert.ErrorIs(t, err, ErrPoolClosed)

	err = m.Register("late", ClassConfig{Min: 1, Max: 1})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestManager_ConcurrentSlotAccounting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxGlobalConcurrency = 20

	m := newTestPool(t, cfg)

	classes := []struct {
		name string
		conc int
	}{
		{"file-analysis", 8},
		{"relationship-resolution", 6},
		{"validation", 4},
	}

	perClass := make(map[string]*atomic.Int64, len(classes))
	for _, c := range classes {
		require.NoError(t, m.Register(c.name, ClassConfig{
			Min: c.conc, Max: c.conc, RateLimit: generousRate,
		}))
		perClass[c.name] = &atomic.Int64{}
	}

	var (
		globalInFlight atomic.Int64
		violations     atomic.Int64
		wg             sync.WaitGroup
	)

	for i := 0; i < 40; i++ {
		for _, c := range classes {
			wg.Add(1)
			go func(name string, limit int64, inFlight *atomic.Int64) {
				defer wg.Done()

				for attempt := 0; attempt < 50; attempt++ {
					if err := m.RequestJobSlot(context.Background(), name); err != nil {
						continue
					}

					if g := globalInFlight.Add(1); g > 20 {
						violations.Add(1)
					}
					if n := inFlight.Add(1); n > limit {
						violations.Add(1)
					}

					time.Sleep(time.Millisecond)

					inFlight.Add(-1)
					globalInFlight.Add(-1)
					m.ReleaseJobSlot(name, true, time.Millisecond)
				}
			}(c.name, int64(c.conc), perClass[c.name])
		}
	}
	wg.Wait()

	assert.Zero(t, violations.Load(), "observed in-flight above a cap")

	snap := m.Snapshot()
	assert.Zero(t, snap.GlobalActive)
	for _, cs := range snap.Classes {
		assert.Zero(t, cs.Active, "class %s left active slots", cs.Name)
	}
}
