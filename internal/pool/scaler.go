package pool

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"
)

// run drives the adaptive scaler and the resource probe until Close.
func (m *Manager) run() {
	defer close(m.done)

	adaptive := time.NewTicker(m.cfg.AdaptiveInterval)
	defer adaptive.Stop()

	probe := time.NewTicker(m.cfg.ResourceInterval)
	defer probe.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-m.stop:
			return
		case <-adaptive.C:
			if !m.cfg.HighPerformance {
				m.rebalance()
			}
		case <-probe.C:
			m.observeResources(ctx)
		}
	}
}

type classSignals struct {
	utilization float64
	errorRate   float64
	avgResponse time.Duration
}

// rebalance applies one adaptive tick: scale down degraded or idle classes,
// then grant freed headroom to busy healthy classes by priority.
func (m *Manager) rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ranked := m.byPriority()

	signals := make(map[*workerClass]classSignals, len(ranked))
	for _, wc := range ranked {
		signals[wc] = classSignals{
			utilization: wc.utilization(),
			errorRate:   wc.errorRate(),
			avgResponse: wc.avgResponse,
		}
	}

	for _, wc := range ranked {
		sig := signals[wc]
		if sig.utilization < scaleDownUtilization ||
			sig.errorRate > scaleDownErrorRate ||
			sig.avgResponse > scaleDownResponse {
			m.resize(wc, shrink(wc.concurrency, wc.cfg), "adaptive scale-down", sig)
		}
	}

	headroom := m.globalLimit() - m.targetSum()
	for _, wc := range ranked {
		if headroom <= 0 {
			break
		}

		sig := signals[wc]
		if sig.utilization > scaleUpUtilization &&
			sig.errorRate < scaleUpMaxErrorRate &&
			sig.avgResponse < scaleUpMaxResponse {
			next := grow(wc.concurrency, wc.cfg)
			if next-wc.concurrency > headroom {
				next = wc.concurrency + headroom
			}
			headroom -= next - wc.concurrency
			m.resize(wc, next, "adaptive scale-up", sig)
		}
	}

	// Fresh window for the next tick.
	for _, wc := range ranked {
		wc.windowExecuted = 0
		wc.windowErrors = 0
	}
}

// observeResources samples process pressure and reacts to sustained extremes.
func (m *Manager) observeResources(ctx context.Context) {
	sampleCtx, cancel := context.WithTimeout(ctx, resourceSampleTimeout)
	defer cancel()

	cpuFrac, memFrac, err := m.sampler.Sample(sampleCtx)
	if err != nil {
		m.logger.Warn("resource sample failed", slog.Any("error", err))
		return
	}

	pressure := cpuPressureWeight*cpuFrac + memPressureWeight*memFrac

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pressure = pressure
	m.metrics.SetResourcePressure(pressure)

	if m.cfg.HighPerformance {
		return
	}

	switch {
	case pressure > pressureShedThreshold:
		m.shedAll(pressure)
	case pressure < pressureGrowThreshold:
		m.growByPriority()
	}
}

// Shed scales every class down one step immediately, outside the probe
// cadence. The health monitor calls it as a recovery action under sustained
// cpu pressure.
func (m *Manager) Shed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shedAll(m.pressure)
}

// shedAll scales every class down one step. Caller holds mu.
func (m *Manager) shedAll(pressure float64) {
	m.logger.Warn("resource pressure high, shedding load",
		slog.Float64("pressure", pressure))

	for _, wc := range m.ordered {
		m.resize(wc, shrink(wc.concurrency, wc.cfg), "pressure scale-down", classSignals{
			utilization: wc.utilization(),
			errorRate:   wc.errorRate(),
			avgResponse: wc.avgResponse,
		})
	}
}

// growByPriority grants spare capacity to higher-priority classes first.
// Caller holds mu.
func (m *Manager) growByPriority() {
	headroom := m.globalLimit() - m.targetSum()

	for _, wc := range m.byPriority() {
		if headroom <= 0 {
			return
		}

		next := grow(wc.concurrency, wc.cfg)
		if next-wc.concurrency > headroom {
			next = wc.concurrency + headroom
		}
		headroom -= next - wc.concurrency
		m.resize(wc, next, "pressure scale-up", classSignals{
			utilization: wc.utilization(),
			errorRate:   wc.errorRate(),
			avgResponse: wc.avgResponse,
		})
	}
}

// resize applies a new concurrency target if it changed. Caller holds mu.
func (m *Manager) resize(wc *workerClass, next int, cause string, sig classSignals) {
	if next == wc.concurrency {
		return
	}

	m.logger.Info("worker class resized",
		slog.String("class", wc.name),
		slog.String("cause", cause),
		slog.Int("from", wc.concurrency),
		slog.Int("to", next),
		slog.Float64("utilization", sig.utilization),
		slog.Float64("error_rate", sig.errorRate),
		slog.Duration("avg_response", sig.avgResponse))

	wc.concurrency = next
	m.metrics.SetPoolState(wc.name, wc.active, next)
}

// byPriority returns classes ordered highest priority first, registration
// order breaking ties. Caller holds mu.
func (m *Manager) byPriority() []*workerClass {
	ranked := make([]*workerClass, len(m.ordered))
	copy(ranked, m.ordered)

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].cfg.Priority != ranked[j].cfg.Priority {
			return ranked[i].cfg.Priority > ranked[j].cfg.Priority
		}
		return ranked[i].order < ranked[j].order
	})

	return ranked
}

// targetSum is the sum of all concurrency targets. Caller holds mu.
func (m *Manager) targetSum() int {
	sum := 0
	for _, wc := range m.ordered {
		sum += wc.concurrency
	}
	return sum
}

// grow computes one scale-up step clamped to the class bounds. Ceil
// guarantees progress from small targets.
func grow(current int, cfg ClassConfig) int {
	next := int(math.Ceil(float64(current) * scaleUpFactor))
	if next > cfg.Max {
		next = cfg.Max
	}
	if next < cfg.Min {
		next = cfg.Min
	}
	return next
}

// shrink computes one scale-down step clamped to the class bounds.
func shrink(current int, cfg ClassConfig) int {
	next := int(math.Floor(float64(current) * scaleDownFactor))
	if next < cfg.Min {
		next = cfg.Min
	}
	if next > cfg.Max {
		next = cfg.Max
	}
	return next
}
