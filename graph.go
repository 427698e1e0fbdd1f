package latentcontext

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// knowledgeGraph handles entity/relation upsert with temporal
// supersession, and depth-bounded neighborhood queries.
type knowledgeGraph struct {
	store *durableStore
	log   *zap.SugaredLogger
}

func newKnowledgeGraph(store *durableStore, log *zap.SugaredLogger) *knowledgeGraph {
	return &knowledgeGraph{store: store, log: log}
}

// entityResult is the materialized result of query_entity.
type entityResult struct {
	Entity    *entityRow
	Outgoing  []*relationRow
	Incoming  []*relationRow
	Neighbors []*entityRow
	Text      string
}

// factRecord is one line of a query_by_predicate result.
type factRecord struct {
	SubjectLabel string
	Predicate    string
	ObjectLabel  string
	Confidence   float64
}

// ensureEntity performs a case-insensitive label lookup; on hit, raises
// confidence only if the incoming value is strictly greater, and returns
// the existing id. On miss, mints a fresh id.
func (g *knowledgeGraph) ensureEntity(label, entityType string, props string, confidence float64) string {
	if entityType == "" {
		entityType = "unknown"
	}
	if props == "" {
		props = "{}"
	}
	now := time.Now().UTC()

	if existing, ok := g.store.findEntityByLabel(label); ok {
		if confidence > existing.Confidence {
			existing.Confidence = confidence
			existing.UpdatedAt = now
			g.store.upsertEntity(existing)
		}
		return existing.ID
	}

	id := uuid.NewString()
	g.store.upsertEntity(&entityRow{
		ID:         id,
		Label:      label,
		EntityType: entityType,
		Properties: props,
		CreatedAt:  now,
		UpdatedAt:  now,
		Confidence: confidence,
	})
	return id
}

// storeFact ensures both endpoints exist, then upserts the relation
// between them with the temporal-supersession rule.
func (g *knowledgeGraph) storeFact(subjectLabel, predicate, objectLabel string, confidence float64, sourceSummaryID string) string {
	subjectID := g.ensureEntity(subjectLabel, "unknown", "{}", confidence)
	objectID := g.ensureEntity(objectLabel, "unknown", "{}", confidence)
	now := time.Now().UTC()

	if prior, ok := g.store.findActiveRelation(subjectID, predicate); ok {
		if prior.ObjectID != objectID {
			prior.TemporalEnd = &now
			prior.Confidence *= 0.5
			g.store.putRelation(prior)
		} else {
			// Same (subject, predicate, object): replace in place.
			prior.Confidence = confidence
			prior.SourceSummaryID = sourceSummaryID
			g.store.putRelation(prior)
			return prior.ID
		}
	}

	id := uuid.NewString()
	g.store.putRelation(&relationRow{
		ID:              id,
		SubjectID:       subjectID,
		Predicate:       predicate,
		ObjectID:        objectID,
		Properties:      "{}",
		TemporalStart:   &now,
		Confidence:      confidence,
		SourceSummaryID: sourceSummaryID,
	})
	return id
}

// queryEntity implements the lookup-then-substring-fallback-then-BFS
// logic, returning nil when nothing at all matches.
func (g *knowledgeGraph) queryEntity(label string, depth int) *entityResult {
	root, ok := g.store.findEntityByLabel(label)
	if !ok {
		hits := g.store.findEntitiesByLabelSubstring(label)
		if len(hits) == 0 {
			return nil
		}
		root = hits[0]
	}

	outgoing, incoming := g.store.relationsForEntity(root.ID)
	visited := map[string]bool{root.ID: true}
	neighborIDs := map[string]bool{}
	for _, r := range outgoing {
		neighborIDs[r.ObjectID] = true
	}
	for _, r := range incoming {
		neighborIDs[r.SubjectID] = true
	}
	for id := range neighborIDs {
		visited[id] = true
	}

	if depth > 1 {
		frontier := make([]string, 0, len(neighborIDs))
		for id := range neighborIDs {
			frontier = append(frontier, id)
		}
		for _, nid := range frontier {
			out2, in2 := g.store.relationsForEntity(nid)
			for _, r := range out2 {
				if !visited[r.ObjectID] {
					visited[r.ObjectID] = true
					neighborIDs[r.ObjectID] = true
				}
			}
			for _, r := range in2 {
				if !visited[r.SubjectID] {
					visited[r.SubjectID] = true
					neighborIDs[r.SubjectID] = true
				}
			}
		}
	}

	neighbors := make([]*entityRow, 0, len(neighborIDs))
	for id := range neighborIDs {
		if e, ok := g.store.getEntity(id); ok {
			neighbors = append(neighbors, e)
		}
	}

	return &entityResult{
		Entity:    root,
		Outgoing:  outgoing,
		Incoming:  incoming,
		Neighbors: neighbors,
		Text:      g.serializeEntity(root, outgoing, incoming),
	}
}

// queryByPredicate returns all active relations whose predicate matches
// p case-insensitively, as fact records.
func (g *knowledgeGraph) queryByPredicate(predicate string) []factRecord {
	rels := g.store.relationsByPredicate(predicate)
	out := make([]factRecord, 0, len(rels))
	for _, r := range rels {
		subj, _ := g.store.getEntity(r.SubjectID)
		obj, _ := g.store.getEntity(r.ObjectID)
		out = append(out, factRecord{
			SubjectLabel: labelOrID(subj, r.SubjectID),
			Predicate:    r.Predicate,
			ObjectLabel:  labelOrID(obj, r.ObjectID),
			Confidence:   r.Confidence,
		})
	}
	return out
}

func labelOrID(e *entityRow, id string) string {
	if e != nil {
		return e.Label
	}
	return id
}

// removeEntity deletes the entity and every relation touching it.
func (g *knowledgeGraph) removeEntity(label string) bool {
	e, ok := g.store.findEntityByLabel(label)
	if !ok {
		return false
	}
	g.store.deleteRelationsForEntity(e.ID)
	g.store.deleteEntity(e.ID)
	return true
}

// deprecateRelation sets confidence and marks the relation ended.
func (g *knowledgeGraph) deprecateRelation(id string, newConfidence float64) bool {
	r, ok := g.store.getRelation(id)
	if !ok {
		return false
	}
	now := time.Now().UTC()
	r.Confidence = newConfidence
	r.TemporalEnd = &now
	g.store.putRelation(r)
	return true
}

// serializeEntity produces the fixed text block for an entity.
func (g *knowledgeGraph) serializeEntity(e *entityRow, outgoing, incoming []*relationRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity: %s (%s)\n", e.Label, e.EntityType)
	for _, r := range outgoing {
		obj, _ := g.store.getEntity(r.ObjectID)
		b.WriteString("  → " + r.Predicate + " → " + labelOrID(obj, r.ObjectID) + confidenceSuffix(r.Confidence) + "\n")
	}
	for _, r := range incoming {
		subj, _ := g.store.getEntity(r.SubjectID)
		b.WriteString("  ← " + labelOrID(subj, r.SubjectID) + " → " + r.Predicate + confidenceSuffix(r.Confidence) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// serializeFacts formats fact records, one per line.
func serializeFacts(facts []factRecord) string {
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, f.SubjectLabel+" → "+f.Predicate+" → "+f.ObjectLabel+confidenceSuffix(f.Confidence))
	}
	return strings.Join(lines, "\n")
}

// confidenceSuffix renders " [conf:0.xx]" only when confidence < 1.0.
func confidenceSuffix(confidence float64) string {
	if confidence >= 1.0 {
		return ""
	}
	return fmt.Sprintf(" [conf:%.2f]", confidence)
}

// inferredPredicateEntry pairs a compiled, case-insensitive pattern with
// the canonical predicate it maps to.
type inferredPredicateEntry struct {
	re        *regexp.Regexp
	predicate string
}

// inferredPredicateTable is the ordered, first-match-wins regex table
// used by the Memory Manager's classify-and-route path (via inferPredicate).
var inferredPredicateTable = buildInferredPredicateTable()

func buildInferredPredicateTable() []inferredPredicateEntry {
	raw := []struct {
		pattern   string
		predicate string
	}{
		{`lives|located|resides|based in`, "located_in"},
		{`works (at|for)|employed (at|by)`, "works_at"},
		{`likes|loves|enjoys|prefers`, "prefers"},
		{`hates|dislikes|avoids`, "dislikes"},
		{`is a|is an|is the`, "is_a"},
		{`has|owns|possesses`, "has"},
		{`knows|met|friends with`, "knows"},
		{`wants to|plans to|intends to|going to`, "wants_to"},
		{`created|built|made|wrote|authored`, "created"},
		{`uses|utilizes`, "uses"},
		{`visited|went to|traveled to`, "visited"},
		{`learned|studied|knows about`, "learned"},
		{`born in|from`, "from"},
		{`married to|spouse|partner`, "married_to"},
		{`parent|father|mother of`, "parent_of"},
		{`child|son|daughter of`, "child_of"},
		{`member of|part of|belongs to`, "member_of"},
		{`manages|leads|heads`, "manages"},
		{`reports to|supervised by`, "reports_to"},
		{`teaches|mentors|coaches`, "teaches"},
	}
	out := make([]inferredPredicateEntry, len(raw))
	for i, r := range raw {
		out[i] = inferredPredicateEntry{re: regexp.MustCompile(`(?i)` + r.pattern), predicate: r.predicate}
	}
	return out
}

// inferPredicate returns the canonical predicate for the first matching
// pattern in inferredPredicateTable, or "related_to" if none match.
func inferPredicate(content string) string {
	for _, entry := range inferredPredicateTable {
		if entry.re.MatchString(content) {
			return entry.predicate
		}
	}
	return "related_to"
}
