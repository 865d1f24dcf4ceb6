package triangulation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cartograph-io/cartograph/internal/confidence"
	"github.com/cartograph-io/cartograph/internal/llm"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// Agent types. Each reads the same candidate from a different angle so the
// panel's votes are independent enough to be worth combining.
const (
	AgentSyntactic  = "syntactic"
	AgentSemantic   = "semantic"
	AgentContextual = "contextual"
)

// DefaultAgentTypes returns the standard three-agent panel.
func DefaultAgentTypes() []string {
	return []string{AgentSyntactic, AgentSemantic, AgentContextual}
}

// Subagent row statuses.
const (
	subagentCompleted = "COMPLETED"
	subagentFailed    = "FAILED"
	subagentTimeout   = "TIMEOUT"
)

// agentCharters frame the candidate for each agent type.
var agentCharters = map[string]string{
	AgentSyntactic:  "Judge only the syntactic evidence: call sites, import statements, declaration shapes.",
	AgentSemantic:   "Judge whether the names, kinds, and recorded payloads make this relationship semantically plausible.",
	AgentContextual: "Judge the surrounding context: file proximity, directory layout, and how the evidence entries corroborate each other.",
}

// verdict is the JSON reply contract each subagent must honor.
type verdict struct {
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// subagentResult pairs the row to persist with the vote it produced, if any.
type subagentResult struct {
	row  storage.SubagentAnalysis
	vote *confidence.Vote
}

func buildPrompt(agentType string, rel *storage.Relationship, source, target *storage.POI, evidence []*storage.Evidence) string {
	var b strings.Builder

	b.WriteString("You are one analyst on a triangulation panel reviewing a code relationship candidate.\n")
	charter, ok := agentCharters[agentType]
	if !ok {
		charter = "Judge the candidate strictly on the material below."
	}
	b.WriteString(charter)

	b.WriteString("\n\nCandidate:\n")
	fmt.Fprintf(&b, "- relationship type: %s\n", rel.Type)
	if source != nil {
		fmt.Fprintf(&b, "- source: %s %q at %s:%d-%d\n", source.Type, source.Name, source.FilePath, source.StartLine, source.EndLine)
	}
	if target != nil {
		fmt.Fprintf(&b, "- target: %s %q at %s:%d-%d\n", target.Type, target.Name, target.FilePath, target.StartLine, target.EndLine)
	}
	if rel.Reason != "" {
		fmt.Fprintf(&b, "- extractor reason: %s\n", rel.Reason)
	}
	if rel.EvidenceType != "" {
		fmt.Fprintf(&b, "- evidence tag: %s\n", rel.EvidenceType)
	}

	if len(evidence) > 0 {
		b.WriteString("\nEvidence entries:\n")
		for _, e := range evidence {
			fmt.Fprintf(&b, "- %s\n", e.Payload)
		}
	}

	b.WriteString("\nReply with JSON only: {\"confidence\": <number 0..1>, \"reasoning\": \"<one sentence>\"}\n")
	return b.String()
}

// runPanel fans the agents out in parallel and waits for all of them. Each
// agent is bounded by the subagent timeout; a slow or broken provider costs
// one round, never the whole coordinator.
func (c *Coordinator) runPanel(ctx context.Context, rel *storage.Relationship, source, target *storage.POI, evidence []*storage.Evidence) []subagentResult {
	results := make([]subagentResult, len(c.agents))

	var wg sync.WaitGroup
	for i, agentType := range c.agents {
		wg.Add(1)
		go func(i int, agentType string) {
			defer wg.Done()
			prompt := buildPrompt(agentType, rel, source, target, evidence)
			results[i] = c.runSubagent(ctx, agentType, prompt)
		}(i, agentType)
	}
	wg.Wait()

	return results
}

func (c *Coordinator) runSubagent(ctx context.Context, agentType, prompt string) subagentResult {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.SubagentTimeout)
	defer cancel()

	start := time.Now()
	var resp *llm.Response
	err := c.breaker.Execute(func() error {
		r, callErr := c.client.Call(callCtx, prompt)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	elapsed := time.Since(start).Milliseconds()

	row := storage.SubagentAnalysis{
		AgentType:        agentType,
		ProcessingTimeMs: &elapsed,
	}

	if err != nil {
		row.Status = subagentFailed
		if errors.Is(err, context.DeadlineExceeded) {
			row.Status = subagentTimeout
		}
		msg := err.Error()
		row.ErrorMessage = &msg
		c.logger.Warn("subagent analysis failed", "agent_type", agentType, "status", row.Status, "error", err)
		return subagentResult{row: row}
	}

	var v verdict
	if decodeErr := llm.DecodeBody(resp.Body, &v); decodeErr != nil {
		row.Status = subagentFailed
		msg := decodeErr.Error()
		row.ErrorMessage = &msg
		c.logger.Warn("subagent reply undecodable", "agent_type", agentType, "error", decodeErr)
		return subagentResult{row: row}
	}
	if math.IsNaN(v.Confidence) || v.Confidence < 0 || v.Confidence > 1 {
		row.Status = subagentFailed
		msg := fmt.Sprintf("confidence %v outside [0,1]", v.Confidence)
		row.ErrorMessage = &msg
		c.logger.Warn("subagent confidence out of range", "agent_type", agentType, "confidence", v.Confidence)
		return subagentResult{row: row}
	}

	row.Status = subagentCompleted
	row.ConfidenceScore = &v.Confidence
	return subagentResult{
		row:  row,
		vote: &confidence.Vote{AgentType: agentType, Confidence: v.Confidence},
	}
}
