package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/cartograph-io/cartograph/internal/ident"
	"github.com/cartograph-io/cartograph/internal/outbox"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// Per-rule confidence priors recorded with each candidate. The scorer applies
// the same ordering when it re-reads the evidence tag.
const (
	priorFunctionCall  = 0.90
	priorImportExport  = 0.85
	priorInheritance   = 0.85
	priorInstantiation = 0.80
	priorVariableUsage = 0.65
)

// Relationship types the derivation rules emit. Types are opaque uppercase
// strings end to end, matching what extractors report.
const (
	RelTypeCalls        = "CALLS"
	RelTypeInherits     = "INHERITS"
	RelTypeInstantiates = "INSTANTIATES"
	RelTypeImports      = "IMPORTS"
	RelTypeUses         = "USES"
)

// Lookup buckets. Import POIs initiate matches but are never match targets,
// so they have no bucket.
const (
	catFunction = "function"
	catClass    = "class"
	catVariable = "variable"
	catExport   = "export"
)

var (
	identPattern       = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	inheritancePattern = regexp.MustCompile(`\b(?:extends|implements)\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

// RelationshipResolutionWorker derives candidate relationships for the POIs
// of one analyzed file. It builds per-category name tables over the file and
// its exported directory peers, scans each POI's body span for references,
// and persists every match as a PENDING relationship with its rule evidence
// and a relationship-found announcement, one transaction per candidate.
type RelationshipResolutionWorker struct {
	cfg    *Config
	logger *slog.Logger
	store  *storage.Store
	root   string
}

func NewRelationshipResolutionWorker(cfg *Config, store *storage.Store, root string, logger *slog.Logger) *RelationshipResolutionWorker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RelationshipResolutionWorker{
		cfg:    cfg,
		logger: logger.With("worker", "relationship-resolution"),
		store:  store,
		root:   root,
	}
}

func (w *RelationshipResolutionWorker) Queue() string { return queue.QueueRelationshipResolution }

func (w *RelationshipResolutionWorker) Process(ctx context.Context, job *queue.Job) error {
	var payload outbox.RelationshipResolutionJob
	if err := job.DecodePayload(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if payload.FilePath == "" {
		return fmt.Errorf("%w: relationship-resolution job without file path", ErrMalformedJob)
	}

	inFile, err := w.store.ListPOIsByFile(ctx, payload.FileID)
	if err != nil {
		return fmt.Errorf("listing file pois: %w", err)
	}
	if len(inFile) == 0 {
		w.logger.Debug("no pois to resolve", "file_path", payload.FilePath)
		return nil
	}

	dirPeers, err := w.store.ListPOIsByDirectory(ctx, job.RunID, path.Dir(payload.FilePath))
	if err != nil {
		return fmt.Errorf("listing directory pois: %w", err)
	}

	content, _, err := readFileBounded(w.root, payload.FilePath, w.cfg.MaxFileBytes)
	if err != nil {
		// The file vanished after analysis. There is no body text to scan,
		// so no candidates can be derived; the POIs stand as extracted.
		w.logger.Warn("file unreadable, no candidates derived",
			"file_path", payload.FilePath, "error", err)
		return nil
	}
	lines := strings.Split(content, "\n")

	idx := buildLookupIndex(inFile, dirPeers, payload.FilePath)
	subjects := selectSubjects(inFile, payload.POIIDs)

	var found, downgraded int
	for _, subject := range subjects {
		for _, cand := range deriveCandidates(subject, lines, idx) {
			cycle, err := w.persistCandidate(ctx, job.RunID, subject, cand)
			if err != nil {
				return err
			}
			if cycle {
				downgraded++
				continue
			}
			found++
		}
	}

	w.logger.Info("relationships resolved",
		"file_path", payload.FilePath,
		"subjects", len(subjects),
		"candidates", found,
		"downgraded", downgraded,
	)
	return nil
}

// persistCandidate writes one candidate atomically: the PENDING relationship,
// its rule evidence, and the relationship-found event. A detected evidence
// cycle suppresses the event; the store has rejected the evidence and, absent
// independent support, downgraded the relationship by then.
func (w *RelationshipResolutionWorker) persistCandidate(ctx context.Context, runID string, subject *storage.POI, cand candidate) (bool, error) {
	evPayload, err := json.Marshal(resolutionEvidence{
		Rule:   cand.tag,
		Source: subject.Name,
		Target: cand.target.Name,
		Path:   subject.FilePath,
		Line:   cand.line,
	})
	if err != nil {
		return false, fmt.Errorf("marshaling evidence: %w", err)
	}
	hash := ident.Fingerprint(evPayload)

	rel := &storage.Relationship{
		SourcePOIID:  &subject.ID,
		TargetPOIID:  &cand.target.ID,
		Type:         cand.relType,
		Confidence:   cand.prior,
		Status:       storage.RelationshipPending,
		Reason:       fmt.Sprintf("%s %q at %s:%d", relationshipNoun[cand.relType], cand.target.Name, subject.FilePath, cand.line),
		EvidenceType: cand.tag,
		EvidenceHash: &hash,
		RunID:        runID,
	}

	var cycle bool
	err = w.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := w.store.UpsertRelationship(ctx, tx, rel); err != nil {
			return fmt.Errorf("upserting relationship: %w", err)
		}

		ev := &storage.Evidence{
			RelationshipID:  rel.ID,
			Payload:         evPayload,
			AgentConfidence: &cand.prior,
			RunID:           runID,
		}
		var evErr error
		cycle, evErr = w.store.AddEvidence(ctx, tx, ev)
		if evErr != nil {
			return fmt.Errorf("recording evidence: %w", evErr)
		}
		if cycle {
			return nil
		}

		event, err := outbox.NewEvent(outbox.EventRelationshipFound, runID,
			outbox.RelationshipFoundPayload{RelationshipIDs: []int64{rel.ID}})
		if err != nil {
			return err
		}
		return w.store.EnqueueEvent(ctx, tx, event)
	})
	return cycle, err
}

// resolutionEvidence is the evidence payload one rule match produces. The
// field set is fixed so replays marshal byte-identical payloads and the
// store's duplicate check holds.
type resolutionEvidence struct {
	Rule   string `json:"rule"`
	Source string `json:"source"`
	Target string `json:"target"`
	Path   string `json:"path"`
	Line   int    `json:"line"`
}

var relationshipNoun = map[string]string{
	RelTypeCalls:        "call to",
	RelTypeInherits:     "inheritance of",
	RelTypeInstantiates: "instantiation of",
	RelTypeImports:      "import of",
	RelTypeUses:         "use of",
}

// candidate is one rule match awaiting persistence.
type candidate struct {
	target  *storage.POI
	relType string
	tag     string
	prior   float64
	line    int
}

// deriveCandidates scans the subject's body span and returns its matches.
// Inheritance keywords are matched over the whole span first so an extends
// clause outranks a plain mention of the same class; the token pass then
// tries buckets in fixed rule order. Each target is claimed at most once, at
// its first match.
func deriveCandidates(subject *storage.POI, lines []string, idx *lookupIndex) []candidate {
	start, end := subject.StartLine, subject.EndLine
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return nil
	}

	var out []candidate
	claimed := make(map[int64]bool)

	add := func(target *storage.POI, relType, tag string, prior float64, line int) {
		if target == nil || target.ID == subject.ID || claimed[target.ID] {
			return
		}
		claimed[target.ID] = true
		out = append(out, candidate{target: target, relType: relType, tag: tag, prior: prior, line: line})
	}

	for n := start; n <= end; n++ {
		for _, m := range inheritancePattern.FindAllStringSubmatch(lines[n-1], -1) {
			add(idx.lookup(catClass, m[1]), RelTypeInherits, storage.EvidenceInheritance, priorInheritance, n)
		}
	}

	for n := start; n <= end; n++ {
		for _, token := range identPattern.FindAllString(lines[n-1], -1) {
			if token == subject.Name {
				continue
			}
			if t := idx.lookup(catFunction, token); t != nil {
				add(t, RelTypeCalls, storage.EvidenceFunctionCall, priorFunctionCall, n)
				continue
			}
			if t := idx.lookup(catClass, token); t != nil {
				add(t, RelTypeInstantiates, storage.EvidenceClassInstantiation, priorInstantiation, n)
				continue
			}
			if t := idx.lookup(catExport, token); t != nil && t.FilePath != subject.FilePath {
				add(t, RelTypeImports, storage.EvidenceImportExportMatch, priorImportExport, n)
				continue
			}
			if t := idx.lookup(catVariable, token); t != nil {
				add(t, RelTypeUses, storage.EvidenceVariableUsage, priorVariableUsage, n)
			}
		}
	}
	return out
}

// selectSubjects narrows the file's POIs to the ones the job announced. An
// empty id list means the whole file.
func selectSubjects(inFile []*storage.POI, ids []int64) []*storage.POI {
	if len(ids) == 0 {
		return inFile
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	subjects := make([]*storage.POI, 0, len(ids))
	for _, p := range inFile {
		if want[p.ID] {
			subjects = append(subjects, p)
		}
	}
	return subjects
}

// lookupIndex is the name table for one file's resolution pass: category
// buckets mapping POI names to rows. In-file entries are inserted before
// directory peers and earlier ids before later ones, so the first entry for
// a name is the one every collision resolves to.
type lookupIndex struct {
	buckets map[string]map[string]*storage.POI
}

func buildLookupIndex(inFile, dirPeers []*storage.POI, filePath string) *lookupIndex {
	idx := &lookupIndex{buckets: make(map[string]map[string]*storage.POI)}

	local := make([]*storage.POI, len(inFile))
	copy(local, inFile)
	sort.Slice(local, func(i, j int) bool { return local[i].ID < local[j].ID })
	for _, p := range local {
		idx.insert(p)
	}

	// Directory peers arrive in id order; only the exported surface of
	// other files is visible at directory scope.
	for _, p := range dirPeers {
		if p.FilePath == filePath || !p.IsExported {
			continue
		}
		idx.insert(p)
	}
	return idx
}

func (idx *lookupIndex) insert(p *storage.POI) {
	cat := normalizeCategory(p.Type)
	if cat == "" || p.Name == "" {
		return
	}
	bucket, ok := idx.buckets[cat]
	if !ok {
		bucket = make(map[string]*storage.POI)
		idx.buckets[cat] = bucket
	}
	if _, taken := bucket[p.Name]; !taken {
		bucket[p.Name] = p
	}
}

func (idx *lookupIndex) lookup(category, name string) *storage.POI {
	return idx.buckets[category][name]
}

func normalizeCategory(poiType string) string {
	switch strings.ToLower(poiType) {
	case "function", "method":
		return catFunction
	case "class", "struct", "interface", "type":
		return catClass
	case "variable", "constant", "field":
		return catVariable
	case "export":
		return catExport
	default:
		return ""
	}
}
