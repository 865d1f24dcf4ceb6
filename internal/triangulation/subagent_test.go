package triangulation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/cartograph-io/cartograph/internal/storage"
)

func TestBuildPromptIncludesCharterAndCandidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	hash := "abc123"
	rel := &storage.Relationship{
		Type:         "calls",
		Reason:       "call site at line 23",
		EvidenceType: storage.EvidenceFunctionCall,
		EvidenceHash: &hash,
	}
	source := &storage.POI{Name: "Login", Type: "function", FilePath: "internal/auth/login.go", StartLine: 10, EndLine: 42}
	target := &storage.POI{Name: "hashPassword", Type: "function", FilePath: "internal/auth/hash.go", StartLine: 5, EndLine: 30}
	evidence := []*storage.Evidence{
		{Payload: json.RawMessage(`{"rule":"function-call-pattern"}`)},
		{Payload: json.RawMessage(`{"line":23}`)},
	}

	prompt := buildPrompt(AgentSyntactic, rel, source, target, evidence)

	for _, want := range []string{
		"syntactic evidence",
		`source: function "Login" at internal/auth/login.go:10-42`,
		`target: function "hashPassword" at internal/auth/hash.go:5-30`,
		"extractor reason: call site at line 23",
		"evidence tag: function-call-pattern",
		`{"rule":"function-call-pattern"}`,
		`{"line":23}`,
		`{"confidence": <number 0..1>, "reasoning": "<one sentence>"}`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPromptChartersDiffer(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rel := &storage.Relationship{Type: "imports"}

	seen := map[string]bool{}
	for _, agentType := range DefaultAgentTypes() {
		prompt := buildPrompt(agentType, rel, nil, nil, nil)
		if seen[prompt] {
			t.Fatalf("agent %s shares a prompt with another agent", agentType)
		}
		seen[prompt] = true
	}
}

func TestBuildPromptUnknownAgentFallsBack(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rel := &storage.Relationship{Type: "calls"}
	prompt := buildPrompt("oracular", rel, nil, nil, nil)

	if !strings.Contains(prompt, "strictly on the material below") {
		t.Errorf("unknown agent type did not get the fallback charter:\n%s", prompt)
	}
}

func TestBuildPromptSkipsMissingEndpoints(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rel := &storage.Relationship{Type: "calls"}
	prompt := buildPrompt(AgentSemantic, rel, nil, nil, nil)

	if strings.Contains(prompt, "- source:") || strings.Contains(prompt, "- target:") {
		t.Errorf("prompt mentions endpoints that were not resolved:\n%s", prompt)
	}
	if strings.Contains(prompt, "Evidence entries:") {
		t.Errorf("prompt mentions evidence when none exists:\n%s", prompt)
	}
}

func TestDefaultAgentTypesAreDistinct(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	types := DefaultAgentTypes()
	if len(types) != 3 {
		t.Fatalf("expected 3 default agent types, got %d", len(types))
	}

	seen := map[string]bool{}
	for _, at := range types {
		if seen[at] {
			t.Errorf("duplicate agent type %s", at)
		}
		seen[at] = true
	}
}
