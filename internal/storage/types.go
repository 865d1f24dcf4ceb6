// Package storage provides the durable relational store for pipeline state.
//
// One SQLite database holds everything a run produces: discovered files,
// points of interest, relationship candidates with their evidence,
// triangulation sessions, the transactional outbox, and the append-only run
// status log. The store is the single source of truth; queues and the graph
// sink are projections that can always be rebuilt from it.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FileStatus represents the processing state of a discovered file.
type FileStatus string

// File processing states.
const (
	FileStatusPending   FileStatus = "pending"
	FileStatusProcessed FileStatus = "processed"
	FileStatusFailed    FileStatus = "failed"
	FileStatusDeleted   FileStatus = "deleted"
	FileStatusSkipped   FileStatus = "skipped"
)

// Evidence rule tags. Workers stamp each synthesized relationship with the
// rule that produced it; the confidence scorer weighs rules differently.
const (
	EvidenceFunctionCall       = "function-call-pattern"
	EvidenceImportExportMatch  = "import-export-match"
	EvidenceClassInstantiation = "class-instantiation-pattern"
	EvidenceInheritance        = "inheritance-pattern"
	EvidenceVariableUsage      = "variable-usage-pattern"
	EvidenceLLMExtracted       = "llm-extracted"
)

// RelationshipStatus represents the validation state of a relationship.
type RelationshipStatus string

// Relationship validation states.
const (
	RelationshipPending   RelationshipStatus = "PENDING"
	RelationshipValidated RelationshipStatus = "VALIDATED"
	RelationshipFailed    RelationshipStatus = "FAILED"
)

// OutboxStatus represents the publication state of an outbox event.
type OutboxStatus string

// Outbox event states. PUBLISHED is terminal: a PENDING→PUBLISHED transition
// happens exactly once per event.
const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxReserving OutboxStatus = "RESERVING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// SessionStatus represents the state of a triangulated analysis session.
type SessionStatus string

// Triangulation session states.
const (
	SessionPending   SessionStatus = "PENDING"
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
)

// RunState represents a run status log entry value.
type RunState string

// Run lifecycle states, recorded append-only in run_status.
const (
	RunStarted    RunState = "STARTED"
	RunProcessing RunState = "PROCESSING"
	RunCompleted  RunState = "COMPLETED"
	RunFailed     RunState = "FAILED"
)

// ErrInvalidTransition is returned when a lifecycle transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// runTransitions enumerates the legal run state transitions. Terminal states
// have no successors.
var runTransitions = map[RunState][]RunState{
	RunStarted:    {RunProcessing, RunCompleted, RunFailed},
	RunProcessing: {RunCompleted, RunFailed},
	RunCompleted:  {},
	RunFailed:     {},
}

// ValidateRunTransition checks whether moving a run from one state to another
// is legal. An empty from state means the run has no history yet and may only
// enter STARTED. Terminal states are immutable.
func ValidateRunTransition(from, to RunState) error {
	if from == "" {
		if to == RunStarted {
			return nil
		}
		return fmt.Errorf("%w: new run must start in %s, got %s", ErrInvalidTransition, RunStarted, to)
	}

	allowed, ok := runTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}

	for _, next := range allowed {
		if next == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

type (
	// File is a discovered source file within a run's target tree.
	// At most one row exists per (path, run) pair; re-ingesting a file
	// updates the hash and resets the status.
	File struct {
		ID          int64
		FilePath    string
		ContentHash string
		Status      FileStatus
		RunID       string
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// POI is a point of interest: a named, line-bounded code entity
	// extracted from a file. SemanticID, when present, is unique per run.
	POI struct {
		ID           int64
		FileID       int64
		FilePath     string
		Name         string
		Type         string
		StartLine    int
		EndLine      int
		IsExported   bool
		SemanticID   *string
		QualityScore *float64
		RunID        string
		CreatedAt    time.Time
	}

	// Relationship is a typed directed edge between two POIs. POI ids are
	// nullable so integrity normalization can represent orphans before
	// demoting them.
	Relationship struct {
		ID           int64
		SourcePOIID  *int64
		TargetPOIID  *int64
		Type         string
		Confidence   float64
		Status       RelationshipStatus
		Reason       string
		EvidenceType string
		EvidenceHash *string
		RunID        string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// Evidence is one recorded artifact supporting a relationship.
	// SourceRelationshipID links derived evidence back to the relationship
	// it was derived from; the resulting graph must stay acyclic.
	Evidence struct {
		ID                   int64
		RelationshipID       int64
		Payload              json.RawMessage
		AgentConfidence      *float64
		SourceRelationshipID *int64
		RunID                string
		CreatedAt            time.Time
	}

	// Session is one triangulated analysis session for an escalated
	// relationship. COMPLETED implies FinalConfidence and ConsensusScore
	// are both set; sessions violating that are demoted to FAILED on
	// recovery.
	Session struct {
		ID              int64
		SessionID       string
		RelationshipID  int64
		RunID           string
		Status          SessionStatus
		EscalationCount int
		FinalConfidence *float64
		ConsensusScore  *float64
		ErrorMessage    *string
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// SubagentAnalysis is one subagent's verdict inside a session.
	SubagentAnalysis struct {
		ID               int64
		SessionID        string
		AgentType        string
		Status           string
		ConfidenceScore  *float64
		ProcessingTimeMs *int64
		ErrorMessage     *string
		CreatedAt        time.Time
	}

	// ConsensusDecision is the final consensus verdict for a session.
	ConsensusDecision struct {
		ID                int64
		SessionID         string
		FinalDecision     string
		WeightedConsensus float64
		ConflictDetected  bool
		CreatedAt         time.Time
	}

	// OutboxEvent is one durable event created in the same transaction as
	// the domain rows it describes.
	OutboxEvent struct {
		ID          int64
		EventType   string
		Payload     json.RawMessage
		RunID       string
		Status      OutboxStatus
		Attempts    int
		LastError   *string
		ReservedBy  *string
		ReservedAt  *time.Time
		CreatedAt   time.Time
		PublishedAt *time.Time
	}

	// RunTransition is one append-only run status log entry.
	RunTransition struct {
		ID        int64
		RunID     string
		Status    RunState
		Metadata  json.RawMessage
		CreatedAt time.Time
	}

	// DirectoryFileMapping records one file's contribution to a directory
	// aggregation pass.
	DirectoryFileMapping struct {
		ID            int64
		RunID         string
		DirectoryPath string
		FilePath      string
		ExportedCount int
		Summary       *string
		CreatedAt     time.Time
	}
)

// Validate checks POI field invariants before persistence.
func (p *POI) Validate() error {
	if p.FilePath == "" {
		return fmt.Errorf("%w: poi file path is empty", ErrConstraintViolation)
	}

	if p.Name == "" {
		return fmt.Errorf("%w: poi name is empty", ErrConstraintViolation)
	}

	if p.StartLine < 1 {
		return fmt.Errorf("%w: start line %d < 1", ErrConstraintViolation, p.StartLine)
	}

	if p.EndLine < p.StartLine {
		return fmt.Errorf("%w: end line %d < start line %d", ErrConstraintViolation, p.EndLine, p.StartLine)
	}

	if p.QualityScore != nil && (*p.QualityScore < 0 || *p.QualityScore > 1) {
		return fmt.Errorf("%w: quality score %f outside [0,1]", ErrConstraintViolation, *p.QualityScore)
	}

	return nil
}

// Validate checks relationship field invariants before persistence.
func (r *Relationship) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: relationship type is empty", ErrConstraintViolation)
	}

	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %f outside [0,1]", ErrConstraintViolation, r.Confidence)
	}

	if r.Status == RelationshipValidated {
		if r.SourcePOIID == nil || r.TargetPOIID == nil {
			return fmt.Errorf("%w: validated relationship with unresolved poi ids", ErrConstraintViolation)
		}

		if r.Confidence <= 0 {
			return fmt.Errorf("%w: validated relationship with zero confidence", ErrConstraintViolation)
		}
	}

	return nil
}
