// Package latentcontext implements the memory engine behind a per-user
// sidecar that sits between a conversational assistant and its context
// window. A host stores compact, self-contained notes mid-conversation via
// MemoryStore and later asks MemoryRetrieve for a ranked, deduplicated,
// token-budgeted digest relevant to the current query. The JSON-RPC
// transport that exposes these operations as tools lives outside this
// package; this package is only the engine itself.
package latentcontext

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// RetrievalMode selects one of the two Context Assembler behaviors the
// source carries. Both are fully implemented; an Engine runs exactly one.
type RetrievalMode string

const (
	// ModeStrict isolates retrieval to the current session's working
	// memory and session-tagged Tier-1 summaries. No vector search, no
	// graph, no cross-session tiers. The conservative default.
	ModeStrict RetrievalMode = "strict"

	// ModeCrossSession fuses six candidate sources — core memory, working
	// memory, vector search, graph, tiered summaries across sessions — into
	// one scored ranking.
	ModeCrossSession RetrievalMode = "cross_session"
)

// EmbeddingProvider selects how text is turned into vectors.
type EmbeddingProvider string

const (
	ProviderLocal  EmbeddingProvider = "local"  // in-process ONNX model
	ProviderNone   EmbeddingProvider = "none"   // always the zero vector
	ProviderOpenAI EmbeddingProvider = "openai" // remote OpenAI embeddings API
)

// StorageConfig controls where and how the durable store lives on disk.
type StorageConfig struct {
	DataDir    string `json:"dataDir"`
	SQLiteFile string `json:"sqliteFile"`
}

// EmbeddingConfig controls the Embedder.
type EmbeddingConfig struct {
	Provider   EmbeddingProvider `json:"provider"`
	Model      string            `json:"model"`
	Dimensions int               `json:"dimensions"`

	// ModelDir is consulted only by the local provider: it must contain
	// model.onnx and tokenizer.json (mirrors the sift embedder's layout).
	ModelDir string `json:"modelDir,omitempty"`
	// ORTLibPath is the path to onnxruntime's shared library; empty uses
	// the platform default search path.
	ORTLibPath string `json:"ortLibPath,omitempty"`
	// OpenAIKey is only consulted by the openai provider.
	OpenAIKey string `json:"-"`
}

// TokenBudgets controls the soft ceilings and truncation targets used
// throughout the tiered store and the Context Assembler.
type TokenBudgets struct {
	Tier0Working          int `json:"tier0Working"`
	Tier1Session          int `json:"tier1Session"`
	Tier2Epoch            int `json:"tier2Epoch"`
	Tier3Core             int `json:"tier3Core"`
	DefaultRetrieveBudget int `json:"defaultRetrieveBudget"`
}

// CompressionConfig controls auto- and manual-compression thresholds.
type CompressionConfig struct {
	Tier0OverflowThreshold  int `json:"tier0OverflowThreshold"`
	Tier1ConsolidationCount int `json:"tier1ConsolidationCount"`
}

// RankingConfig controls the Context Assembler's composite score and
// deduplication pass.
type RankingConfig struct {
	SemanticWeight           float64 `json:"semanticWeight"`
	RecencyWeight            float64 `json:"recencyWeight"`
	PriorityWeight           float64 `json:"priorityWeight"`
	FrequencyWeight          float64 `json:"frequencyWeight"`
	DedupSimilarityThreshold float64 `json:"dedupSimilarityThreshold"`
}

// SessionConfig controls Session Registry boot behavior.
type SessionConfig struct {
	AutoStartOnBoot bool          `json:"autoStartOnBoot"`
	Mode            RetrievalMode `json:"mode"`
}

// Config holds every configurable knob. Configuration loading
// itself (reading this from a file, env, or flags) is outside this
// package's scope — a host builds a Config however it likes and passes it
// to NewEngine.
type Config struct {
	Storage     StorageConfig     `json:"storage"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	TokenBudgets TokenBudgets     `json:"tokenBudgets"`
	Compression CompressionConfig `json:"compression"`
	Ranking     RankingConfig     `json:"ranking"`
	Session     SessionConfig     `json:"session"`

	// Logger is used throughout the engine. A nil Logger defaults to
	// zap.NewNop(), so an engine built without one simply runs quiet
	// instead of panicking.
	Logger *zap.Logger `json:"-"`
}

// DefaultConfig returns the engine's literal defaults.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			DataDir:    "./data",
			SQLiteFile: "memory.db",
		},
		Embedding: EmbeddingConfig{
			Provider:   ProviderLocal,
			Model:      "Xenova/all-MiniLM-L6-v2",
			Dimensions: 384,
		},
		TokenBudgets: TokenBudgets{
			Tier0Working:          2000,
			Tier1Session:          500,
			Tier2Epoch:            300,
			Tier3Core:             200,
			DefaultRetrieveBudget: 3000,
		},
		Compression: CompressionConfig{
			Tier0OverflowThreshold:  2500,
			Tier1ConsolidationCount: 10,
		},
		Ranking: RankingConfig{
			SemanticWeight:           0.4,
			RecencyWeight:            0.3,
			PriorityWeight:           0.2,
			FrequencyWeight:          0.1,
			DedupSimilarityThreshold: 0.85,
		},
		Session: SessionConfig{
			AutoStartOnBoot: true,
			Mode:            ModeStrict,
		},
	}
}

// Engine is the process-wide memory engine: the single owner of the
// durable store, the session registry, the working buffer and the
// embedder. Scheduling is cooperative single-writer — every
// exported method below takes mu on entry, so callers never need their own
// locking even if the host's transport is multi-threaded.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	log    *zap.SugaredLogger
	closed bool

	store    *durableStore
	vectors  *vectorStore
	graph    *knowledgeGraph
	tokens   *tokenAccountant
	embedder *embedder
	sessions *sessionRegistry
	manager  *memoryManager
	assembler *contextAssembler
}

// NewEngine opens (or creates) the durable store at cfg.Storage.DataDir,
// applies schema DDL, and wires every component together. A failure here
// is fatal: the engine refuses to serve.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Storage.DataDir == "" {
		cfg = mergeDefaults(cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	store, err := openDurableStore(cfg.Storage, sugar)
	if err != nil {
		return nil, fmt.Errorf("latentcontext: open durable store: %w", err)
	}

	emb := newEmbedder(cfg.Embedding, sugar)
	vectors := newVectorStore(store, emb, sugar)
	graph := newKnowledgeGraph(store, sugar)
	tokens := newTokenAccountant()
	sessions := newSessionRegistry(store, sugar)

	manager := newMemoryManager(store, vectors, graph, tokens, sessions, cfg, sugar)
	assembler := newContextAssembler(store, vectors, graph, tokens, sessions, cfg, sugar)
	assembler.setManager(manager)

	e := &Engine{
		cfg:       cfg,
		log:       sugar,
		store:     store,
		vectors:   vectors,
		graph:     graph,
		tokens:    tokens,
		embedder:  emb,
		sessions:  sessions,
		manager:   manager,
		assembler: assembler,
	}

	if cfg.Session.AutoStartOnBoot {
		if _, err := e.sessions.start(ctx, nil); err != nil {
			store.close()
			return nil, fmt.Errorf("latentcontext: initial session_start: %w", err)
		}
	}

	return e, nil
}

// mergeDefaults fills unset fields of cfg from DefaultConfig(). Unlike the
// teacher's inline defaulting block in NewWithConfig, this walks every
// nested struct because Config here is considerably larger.
func mergeDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = d.Storage.DataDir
	}
	if cfg.Storage.SQLiteFile == "" {
		cfg.Storage.SQLiteFile = d.Storage.SQLiteFile
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = d.Embedding.Provider
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = d.Embedding.Model
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = d.Embedding.Dimensions
	}
	if cfg.TokenBudgets.Tier0Working == 0 {
		cfg.TokenBudgets.Tier0Working = d.TokenBudgets.Tier0Working
	}
	if cfg.TokenBudgets.Tier1Session == 0 {
		cfg.TokenBudgets.Tier1Session = d.TokenBudgets.Tier1Session
	}
	if cfg.TokenBudgets.Tier2Epoch == 0 {
		cfg.TokenBudgets.Tier2Epoch = d.TokenBudgets.Tier2Epoch
	}
	if cfg.TokenBudgets.Tier3Core == 0 {
		cfg.TokenBudgets.Tier3Core = d.TokenBudgets.Tier3Core
	}
	if cfg.TokenBudgets.DefaultRetrieveBudget == 0 {
		cfg.TokenBudgets.DefaultRetrieveBudget = d.TokenBudgets.DefaultRetrieveBudget
	}
	if cfg.Compression.Tier0OverflowThreshold == 0 {
		cfg.Compression.Tier0OverflowThreshold = d.Compression.Tier0OverflowThreshold
	}
	if cfg.Compression.Tier1ConsolidationCount == 0 {
		cfg.Compression.Tier1ConsolidationCount = d.Compression.Tier1ConsolidationCount
	}
	if cfg.Ranking.SemanticWeight == 0 && cfg.Ranking.RecencyWeight == 0 &&
		cfg.Ranking.PriorityWeight == 0 && cfg.Ranking.FrequencyWeight == 0 {
		cfg.Ranking = d.Ranking
	}
	if cfg.Ranking.DedupSimilarityThreshold == 0 {
		cfg.Ranking.DedupSimilarityThreshold = d.Ranking.DedupSimilarityThreshold
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = d.Session.Mode
	}
	return cfg
}

// Close flushes the durable store synchronously, ends the current session
// and releases the embedder as part of graceful shutdown.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	e.sessions.endCurrent()
	e.embedder.close()
	return e.store.close()
}

func (e *Engine) checkOpen() error {
	if e.closed {
		return ErrClosed
	}
	return nil
}
