package latentcontext

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// flushDebounce is the trailing-edge debounce window: every
// write extends it, so a burst of writes only costs one flush.
const flushDebounce = 500 * time.Millisecond

// schemaDDL is the on-disk schema, written as idempotent
// CREATE TABLE/INDEX statements so opening an existing store is a no-op
// beyond applying whatever's missing — the "schema migration on boot".
// There is only one schema version today; schema_version exists so a
// future migration has somewhere to read its starting point from.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT 'unknown',
	properties TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 1.0,
	source_summary_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_entities_label ON entities(label);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);

CREATE TABLE IF NOT EXISTS relations (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	predicate TEXT NOT NULL,
	object_id TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	temporal_start TEXT,
	temporal_end TEXT,
	confidence REAL NOT NULL DEFAULT 1.0,
	source_summary_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_relations_subject ON relations(subject_id);
CREATE INDEX IF NOT EXISTS idx_relations_object ON relations(object_id);
CREATE INDEX IF NOT EXISTS idx_relations_predicate ON relations(predicate);

CREATE TABLE IF NOT EXISTS summaries (
	id TEXT PRIMARY KEY,
	tier INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	session_id TEXT,
	source_ids TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_summaries_tier ON summaries(tier);
CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id);

CREATE TABLE IF NOT EXISTS vectors (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	source_type TEXT NOT NULL DEFAULT 'raw',
	content_preview TEXT NOT NULL DEFAULT '',
	embedding BLOB,
	dimensions INTEGER NOT NULL DEFAULT 384,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 1.0
);
CREATE INDEX IF NOT EXISTS idx_vectors_source_id ON vectors(source_id);
CREATE INDEX IF NOT EXISTS idx_vectors_source_type ON vectors(source_type);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS access_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL,
	memory_type TEXT NOT NULL,
	accessed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_log_memory_id ON access_log(memory_id);
`

type entityRow struct {
	ID              string
	Label           string
	EntityType      string
	Properties      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Confidence      float64
	SourceSummaryID string
}

type relationRow struct {
	ID              string
	SubjectID       string
	Predicate       string
	ObjectID        string
	Properties      string
	TemporalStart   *time.Time
	TemporalEnd     *time.Time
	Confidence      float64
	SourceSummaryID string
}

func (r *relationRow) active() bool { return r.TemporalEnd == nil }

type summaryRow struct {
	ID         string
	Tier       int
	Content    string
	TokenCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	SessionID  string
	SourceIDs  string // JSON array of strings
	Metadata   string // JSON object
}

type vectorRowData struct {
	ID             string
	SourceID       string
	SourceType     string
	ContentPreview string
	Embedding      []byte
	Dimensions     int
	Metadata       string
	CreatedAt      time.Time
	Confidence     float64
}

type sessionRow struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	Metadata  string
}

type accessLogRow struct {
	ID         int64
	MemoryID   string
	MemoryType string
	AccessedAt time.Time
}

// durableStore is the single owner of every persisted table (entities,
// relations, summaries, vectors, sessions, access_log). Reads are served
// from the in-memory maps below, which are always current; writes update
// those maps immediately (so a store followed by a retrieve in the same
// handler always observes it) and mark the store dirty. A debounced
// timer periodically persists the full in-memory state to the SQLite
// file; a flush failure is logged and swallowed; normal operation
// continues entirely out of memory regardless.
type durableStore struct {
	mu  sync.Mutex
	db  *sql.DB
	log *zap.SugaredLogger

	entities  map[string]*entityRow
	relations map[string]*relationRow
	summaries map[string]*summaryRow
	vectors   map[string]*vectorRowData
	sessions  map[string]*sessionRow
	accessLog []*accessLogRow

	deletedEntities  map[string]bool
	deletedRelations map[string]bool
	deletedSummaries map[string]bool
	deletedVectors   map[string]bool

	lastFlushedAccessLogIdx int
	dirty                   bool
	flushTimer              *time.Timer
	closed                  bool
}

func openDurableStore(cfg StorageConfig, log *zap.SugaredLogger) (*durableStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, cfg.SQLiteFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite file %s: %w", dbPath, err)
	}

	s := &durableStore{
		db:               db,
		log:              log,
		entities:         map[string]*entityRow{},
		relations:        map[string]*relationRow{},
		summaries:        map[string]*summaryRow{},
		vectors:          map[string]*vectorRowData{},
		sessions:         map[string]*sessionRow{},
		deletedEntities:  map[string]bool{},
		deletedRelations: map[string]bool{},
		deletedSummaries: map[string]bool{},
		deletedVectors:   map[string]bool{},
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := s.stampSchemaVersion(); err != nil {
		db.Close()
		return nil, fmt.Errorf("stamp schema version: %w", err)
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load existing rows: %w", err)
	}

	return s, nil
}

func (s *durableStore) stampSchemaVersion() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := s.db.Exec(`INSERT INTO schema_version(version) VALUES (1)`)
		return err
	}
	return nil
}

// loadAll reads the six data tables (entities, relations, summaries,
// vectors, sessions, access_log) into memory once at boot.
func (s *durableStore) loadAll() error {
	rows, err := s.db.Query(`SELECT id, label, entity_type, properties, created_at, updated_at, confidence, source_summary_id FROM entities`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var e entityRow
		var src sql.NullString
		if err := rows.Scan(&e.ID, &e.Label, &e.EntityType, &e.Properties, &e.CreatedAt, &e.UpdatedAt, &e.Confidence, &src); err != nil {
			rows.Close()
			return err
		}
		e.SourceSummaryID = src.String
		s.entities[e.ID] = &e
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT id, subject_id, predicate, object_id, properties, temporal_start, temporal_end, confidence, source_summary_id FROM relations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var r relationRow
		var start, end, src sql.NullString
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.Predicate, &r.ObjectID, &r.Properties, &start, &end, &r.Confidence, &src); err != nil {
			rows.Close()
			return err
		}
		r.SourceSummaryID = src.String
		if start.Valid {
			if t, err := time.Parse(time.RFC3339Nano, start.String); err == nil {
				r.TemporalStart = &t
			}
		}
		if end.Valid {
			if t, err := time.Parse(time.RFC3339Nano, end.String); err == nil {
				r.TemporalEnd = &t
			}
		}
		s.relations[r.ID] = &r
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT id, tier, content, token_count, created_at, updated_at, session_id, source_ids, metadata FROM summaries`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var sm summaryRow
		var sess sql.NullString
		if err := rows.Scan(&sm.ID, &sm.Tier, &sm.Content, &sm.TokenCount, &sm.CreatedAt, &sm.UpdatedAt, &sess, &sm.SourceIDs, &sm.Metadata); err != nil {
			rows.Close()
			return err
		}
		sm.SessionID = sess.String
		s.summaries[sm.ID] = &sm
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT id, source_id, source_type, content_preview, embedding, dimensions, metadata, created_at, confidence FROM vectors`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v vectorRowData
		if err := rows.Scan(&v.ID, &v.SourceID, &v.SourceType, &v.ContentPreview, &v.Embedding, &v.Dimensions, &v.Metadata, &v.CreatedAt, &v.Confidence); err != nil {
			rows.Close()
			return err
		}
		s.vectors[v.ID] = &v
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT id, started_at, ended_at, metadata FROM sessions`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var sess sessionRow
		var ended sql.NullString
		if err := rows.Scan(&sess.ID, &sess.StartedAt, &ended, &sess.Metadata); err != nil {
			rows.Close()
			return err
		}
		if ended.Valid {
			if t, err := time.Parse(time.RFC3339Nano, ended.String); err == nil {
				sess.EndedAt = &t
			}
		}
		s.sessions[sess.ID] = &sess
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT id, memory_id, memory_type, accessed_at FROM access_log ORDER BY id`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var a accessLogRow
		if err := rows.Scan(&a.ID, &a.MemoryID, &a.MemoryType, &a.AccessedAt); err != nil {
			rows.Close()
			return err
		}
		s.accessLog = append(s.accessLog, &a)
	}
	rows.Close()
	s.lastFlushedAccessLogIdx = len(s.accessLog)

	return nil
}

// markDirty schedules a debounced flush. Must be called with mu held.
func (s *durableStore) markDirty() {
	s.dirty = true
	if s.flushTimer != nil {
		s.flushTimer.Reset(flushDebounce)
		return
	}
	s.flushTimer = time.AfterFunc(flushDebounce, func() {
		if err := s.flush(); err != nil {
			s.log.Warnw("durable store flush failed; continuing in-memory", "error", err)
		}
	})
}

// flush persists the full in-memory state to SQLite inside one
// transaction. A failure is returned to the caller; both Close and the
// debounce timer log it as a warning and carry on.
func (s *durableStore) flush() error {
	s.mu.Lock()
	if !s.dirty || s.closed {
		s.mu.Unlock()
		return nil
	}

	entities := make([]*entityRow, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, e)
	}
	relations := make([]*relationRow, 0, len(s.relations))
	for _, r := range s.relations {
		relations = append(relations, r)
	}
	summaries := make([]*summaryRow, 0, len(s.summaries))
	for _, sm := range s.summaries {
		summaries = append(summaries, sm)
	}
	vectors := make([]*vectorRowData, 0, len(s.vectors))
	for _, v := range s.vectors {
		vectors = append(vectors, v)
	}
	sessions := make([]*sessionRow, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	pendingAccessLog := append([]*accessLogRow{}, s.accessLog[s.lastFlushedAccessLogIdx:]...)

	deletedEntities := keys(s.deletedEntities)
	deletedRelations := keys(s.deletedRelations)
	deletedSummaries := keys(s.deletedSummaries)
	deletedVectors := keys(s.deletedVectors)
	s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range deletedEntities {
		if _, err := tx.Exec(`DELETE FROM entities WHERE id = ?`, id); err != nil {
			return err
		}
	}
	for _, id := range deletedRelations {
		if _, err := tx.Exec(`DELETE FROM relations WHERE id = ?`, id); err != nil {
			return err
		}
	}
	for _, id := range deletedSummaries {
		if _, err := tx.Exec(`DELETE FROM summaries WHERE id = ?`, id); err != nil {
			return err
		}
	}
	for _, id := range deletedVectors {
		if _, err := tx.Exec(`DELETE FROM vectors WHERE id = ?`, id); err != nil {
			return err
		}
	}

	for _, e := range entities {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO entities(id, label, entity_type, properties, created_at, updated_at, confidence, source_summary_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Label, e.EntityType, e.Properties, e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano), e.Confidence, nullableString(e.SourceSummaryID)); err != nil {
			return err
		}
	}
	for _, r := range relations {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO relations(id, subject_id, predicate, object_id, properties, temporal_start, temporal_end, confidence, source_summary_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SubjectID, r.Predicate, r.ObjectID, r.Properties, formatTimePtr(r.TemporalStart), formatTimePtr(r.TemporalEnd), r.Confidence, nullableString(r.SourceSummaryID)); err != nil {
			return err
		}
	}
	for _, sm := range summaries {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO summaries(id, tier, content, token_count, created_at, updated_at, session_id, source_ids, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sm.ID, sm.Tier, sm.Content, sm.TokenCount, sm.CreatedAt.Format(time.RFC3339Nano), sm.UpdatedAt.Format(time.RFC3339Nano), nullableString(sm.SessionID), sm.SourceIDs, sm.Metadata); err != nil {
			return err
		}
	}
	for _, v := range vectors {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO vectors(id, source_id, source_type, content_preview, embedding, dimensions, metadata, created_at, confidence) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.SourceID, v.SourceType, v.ContentPreview, v.Embedding, v.Dimensions, v.Metadata, v.CreatedAt.Format(time.RFC3339Nano), v.Confidence); err != nil {
			return err
		}
	}
	for _, sess := range sessions {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO sessions(id, started_at, ended_at, metadata) VALUES (?, ?, ?, ?)`,
			sess.ID, sess.StartedAt.Format(time.RFC3339Nano), formatTimePtr(sess.EndedAt), sess.Metadata); err != nil {
			return err
		}
	}
	for _, a := range pendingAccessLog {
		if _, err := tx.Exec(`INSERT INTO access_log(memory_id, memory_type, accessed_at) VALUES (?, ?, ?)`,
			a.MemoryID, a.MemoryType, a.AccessedAt.Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	for _, id := range deletedEntities {
		delete(s.deletedEntities, id)
	}
	for _, id := range deletedRelations {
		delete(s.deletedRelations, id)
	}
	for _, id := range deletedSummaries {
		delete(s.deletedSummaries, id)
	}
	for _, id := range deletedVectors {
		delete(s.deletedVectors, id)
	}
	s.lastFlushedAccessLogIdx = len(pendingAccessLog) + s.lastFlushedAccessLogIdx
	s.dirty = false
	s.mu.Unlock()

	return nil
}

// close cancels the debounce timer, flushes synchronously, and releases
// the database handle.
func (s *durableStore) close() error {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.closed = true
	s.dirty = s.dirty // no-op, flush() below re-locks
	s.mu.Unlock()

	// Clear closed for one last flush (flush skips a closed store); the
	// flush still does nothing when there are no unflushed writes.
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
	if err := s.flush(); err != nil {
		s.log.Warnw("final flush on close failed", "error", err)
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.db.Close()
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

// ---- Entities ----

func (s *durableStore) upsertEntity(e *entityRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e
	delete(s.deletedEntities, e.ID)
	s.markDirty()
}

func (s *durableStore) getEntity(id string) (*entityRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	return e, ok
}

// findEntityByLabel is a case-insensitive exact match.
func (s *durableStore) findEntityByLabel(label string) (*entityRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := strings.ToLower(label)
	for _, e := range s.entities {
		if strings.ToLower(e.Label) == want {
			return e, true
		}
	}
	return nil, false
}

// findEntitiesByLabelSubstring is the fuzzy fallback of query_entity: a
// case-insensitive substring match, ordered by confidence descending.
func (s *durableStore) findEntitiesByLabelSubstring(substr string) []*entityRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := strings.ToLower(substr)
	var out []*entityRow
	for _, e := range s.entities {
		if strings.Contains(strings.ToLower(e.Label), want) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func (s *durableStore) deleteEntity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
	s.deletedEntities[id] = true
	s.markDirty()
}

func (s *durableStore) countEntities() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// ---- Relations ----

func (s *durableStore) putRelation(r *relationRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations[r.ID] = r
	delete(s.deletedRelations, r.ID)
	s.markDirty()
}

func (s *durableStore) getRelation(id string) (*relationRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relations[id]
	return r, ok
}

// findActiveRelation returns the single active relation for
// (subjectID, predicate), case-insensitive on predicate, or false.
func (s *durableStore) findActiveRelation(subjectID, predicate string) (*relationRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := strings.ToLower(predicate)
	for _, r := range s.relations {
		if r.SubjectID == subjectID && strings.ToLower(r.Predicate) == want && r.active() {
			return r, true
		}
	}
	return nil, false
}

// relationsForEntity returns active outgoing (subject == id) and incoming
// (object == id) relations.
func (s *durableStore) relationsForEntity(id string) (outgoing, incoming []*relationRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.relations {
		if !r.active() {
			continue
		}
		if r.SubjectID == id {
			outgoing = append(outgoing, r)
		}
		if r.ObjectID == id {
			incoming = append(incoming, r)
		}
	}
	return
}

func (s *durableStore) relationsByPredicate(predicate string) []*relationRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := strings.ToLower(predicate)
	var out []*relationRow
	for _, r := range s.relations {
		if r.active() && strings.ToLower(r.Predicate) == want {
			out = append(out, r)
		}
	}
	return out
}

func (s *durableStore) deleteRelationsForEntity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for rid, r := range s.relations {
		if r.SubjectID == id || r.ObjectID == id {
			delete(s.relations, rid)
			s.deletedRelations[rid] = true
		}
	}
	s.markDirty()
}

func (s *durableStore) countActiveRelations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.relations {
		if r.active() {
			n++
		}
	}
	return n
}

// ---- Summaries ----

func (s *durableStore) insertSummary(sm *summaryRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sm.ID] = sm
	delete(s.deletedSummaries, sm.ID)
	s.markDirty()
}

func (s *durableStore) getSummary(id string) (*summaryRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.summaries[id]
	return sm, ok
}

// updateSummaryContent changes content/token_count/updated_at only; tier
// is immutable once written.
func (s *durableStore) updateSummaryContent(id, content string, tokenCount int, updatedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.summaries[id]
	if !ok {
		return false
	}
	sm.Content = content
	sm.TokenCount = tokenCount
	sm.UpdatedAt = updatedAt
	s.markDirty()
	return true
}

func (s *durableStore) deleteSummary(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.summaries, id)
	s.deletedSummaries[id] = true
	s.markDirty()
}

func (s *durableStore) summariesByTier(tier int) []*summaryRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*summaryRow
	for _, sm := range s.summaries {
		if sm.Tier == tier {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *durableStore) summariesByTierAndSession(tier int, sessionID string) []*summaryRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*summaryRow
	for _, sm := range s.summaries {
		if sm.Tier == tier && sm.SessionID == sessionID {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *durableStore) summariesByTierExcludingSession(tier int, sessionID string) []*summaryRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*summaryRow
	for _, sm := range s.summaries {
		if sm.Tier == tier && sm.SessionID != sessionID {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// tierStats returns, for each of tiers 1,2,3: {count, sum(token_count)}.
func (s *durableStore) tierStats() map[int]struct {
	Count  int
	Tokens int
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int]struct {
		Count  int
		Tokens int
	}{}
	for _, sm := range s.summaries {
		v := out[sm.Tier]
		v.Count++
		v.Tokens += sm.TokenCount
		out[sm.Tier] = v
	}
	return out
}

// ---- Vectors ----

func (s *durableStore) insertVector(v *vectorRowData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[v.ID] = v
	delete(s.deletedVectors, v.ID)
	s.markDirty()
}

func (s *durableStore) deleteVector(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vectors, id)
	s.deletedVectors[id] = true
	s.markDirty()
}

func (s *durableStore) deleteVectorsBySource(sourceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, v := range s.vectors {
		if v.SourceID == sourceID {
			delete(s.vectors, id)
			s.deletedVectors[id] = true
			n++
		}
	}
	if n > 0 {
		s.markDirty()
	}
	return n
}

func (s *durableStore) allVectors() []*vectorRowData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*vectorRowData, 0, len(s.vectors))
	for _, v := range s.vectors {
		out = append(out, v)
	}
	return out
}

func (s *durableStore) countVectors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vectors)
}

// ---- Sessions ----

func (s *durableStore) putSession(sess *sessionRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.markDirty()
}

func (s *durableStore) getSession(id string) (*sessionRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// ---- Access log ----

func (s *durableStore) appendAccessLog(memoryID, memoryType string, accessedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessLog = append(s.accessLog, &accessLogRow{
		ID:         int64(len(s.accessLog) + 1),
		MemoryID:   memoryID,
		MemoryType: memoryType,
		AccessedAt: accessedAt,
	})
	s.markDirty()
}

// accessCount returns how many times memoryID has been logged, the
// frequency signal used by the context assembler.
func (s *durableStore) accessCount(memoryID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.accessLog {
		if a.MemoryID == memoryID {
			n++
		}
	}
	return n
}
