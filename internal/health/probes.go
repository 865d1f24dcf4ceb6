package health

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cartograph-io/cartograph/internal/graph"
	"github.com/cartograph-io/cartograph/internal/llm"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// Dependency names used across registration, metrics, and alerts.
const (
	DependencyStore  = "relational-store"
	DependencyBroker = "queue-broker"
	DependencySink   = "graph-sink"
	DependencyLLM    = "llm-provider"
)

// StoreProbe round-trips a write-then-read against the relational store.
func StoreProbe(store *storage.Store) ProbeFunc {
	return func(ctx context.Context) error {
		return store.Probe(ctx)
	}
}

// BrokerProbe round-trips the broker by reading every queue's counters.
// Reserving a synthetic job would race the real consumers and could
// dead-letter probe noise into a worker's queue, so the probe settles for a
// counts round trip against the backend.
func BrokerProbe(broker queue.Broker) ProbeFunc {
	return func(ctx context.Context) error {
		for _, q := range queue.AllQueues() {
			if _, err := broker.Counts(ctx, q); err != nil {
				return fmt.Errorf("counting %s: %w", q, err)
			}
		}
		return nil
	}
}

// SinkProbe upserts a fixed probe node into the graph sink. The node id is
// constant so repeated probes update one row instead of growing the graph.
func SinkProbe(sink graph.Sink) ProbeFunc {
	return func(ctx context.Context) error {
		node := graph.Node{
			ID:        "cartograph:health-probe",
			Kind:      "probe",
			Name:      uuid.New().String(),
			FilePath:  "internal/health",
			StartLine: 1,
			EndLine:   1,
		}
		return sink.UpsertBatch(ctx, []graph.Node{node}, nil)
	}
}

// LLMProbe pings the provider with a minimal prompt. Optional: every probe
// costs a real call, so most deployments skip it and let the circuit breaker
// carry provider health.
func LLMProbe(client llm.Client) ProbeFunc {
	return func(ctx context.Context) error {
		resp, err := client.Call(ctx, `Reply with exactly: []`)
		if err != nil {
			return err
		}
		if resp == nil || resp.Body == "" {
			return fmt.Errorf("%w: empty probe reply", llm.ErrMalformedResponse)
		}
		return nil
	}
}
