package latentcontext

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/daulet/tokenizers"
	"github.com/sashabaranov/go-openai"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// embedder turns text into a unit vector in R^d. Initialization is
// lazy and latched — the first call to embed/embedBatch pays the cost of
// bringing up whichever provider is configured, every concurrent
// first-caller awaits that same attempt via sf, and a failed attempt is
// never retried: subsequent calls just return the zero vector.
type embedder struct {
	cfg EmbeddingConfig
	log *zap.SugaredLogger
	dim int

	sf singleflight.Group

	mu      sync.Mutex
	ready   bool
	initErr error

	local  *localModel
	openai *openai.Client
}

// localModel wraps an ONNX session and tokenizer, the same shape as the
// sift embedder this is grounded on: tokenize, build tensors, run,
// CLS-pool, L2-normalize.
type localModel struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *tokenizers.Tokenizer
}

const localMaxSeqLen = 256

func newEmbedder(cfg EmbeddingConfig, log *zap.SugaredLogger) *embedder {
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	return &embedder{cfg: cfg, log: log, dim: cfg.Dimensions}
}

func (e *embedder) zero() []float32 {
	return make([]float32, e.dim)
}

// embed embeds a single string. It never returns an error: on any failure
// it returns the zero vector.
func (e *embedder) embed(text string) []float32 {
	vecs := e.embedBatch([]string{text})
	if len(vecs) == 0 {
		return e.zero()
	}
	return vecs[0]
}

// embedBatch embeds a batch of strings, degrading individually-failed or
// entirely-unavailable providers to zero vectors rather than erroring.
func (e *embedder) embedBatch(texts []string) [][]float32 {
	if err := e.ensureInit(); err != nil {
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = e.zero()
		}
		return out
	}

	var vecs [][]float32
	var err error
	switch e.cfg.Provider {
	case ProviderNone:
		vecs = make([][]float32, len(texts))
		for i := range vecs {
			vecs[i] = e.zero()
		}
	case ProviderOpenAI:
		vecs, err = e.embedOpenAI(texts)
	default: // ProviderLocal
		vecs, err = e.embedLocal(texts)
	}
	if err != nil {
		e.log.Warnw("embedding call failed, degrading to zero vector", "error", err, "provider", e.cfg.Provider)
		vecs = make([][]float32, len(texts))
		for i := range vecs {
			vecs[i] = e.zero()
		}
	}
	return vecs
}

// ensureInit brings the configured provider up exactly once. A failed
// attempt latches: initErr is sticky and no further attempts are made.
func (e *embedder) ensureInit() error {
	e.mu.Lock()
	if e.ready {
		e.mu.Unlock()
		return nil
	}
	if e.initErr != nil {
		err := e.initErr
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	_, err, _ := e.sf.Do("init", func() (interface{}, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.ready {
			return nil, nil
		}
		if e.initErr != nil {
			return nil, e.initErr
		}
		initErr := e.doInit()
		if initErr != nil {
			e.initErr = initErr
			e.log.Warnw("embedder init failed; latching zero-vector degradation", "error", initErr, "provider", e.cfg.Provider)
			return nil, initErr
		}
		e.ready = true
		return nil, nil
	})
	return err
}

func (e *embedder) doInit() error {
	switch e.cfg.Provider {
	case ProviderNone:
		return nil
	case ProviderOpenAI:
		if e.cfg.OpenAIKey == "" {
			return fmt.Errorf("embedder: openai provider requires an API key")
		}
		e.openai = openai.NewClient(e.cfg.OpenAIKey)
		return nil
	default: // local
		return e.initLocal()
	}
}

func (e *embedder) initLocal() error {
	modelDir := e.cfg.ModelDir
	if modelDir == "" {
		return fmt.Errorf("embedder: local provider requires embedding.modelDir")
	}
	modelPath := filepath.Join(modelDir, "model.onnx")
	tokenPath := filepath.Join(modelDir, "tokenizer.json")

	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model not found at %s: %w", modelPath, err)
	}
	if _, err := os.Stat(tokenPath); err != nil {
		return fmt.Errorf("tokenizer not found at %s: %w", tokenPath, err)
	}

	if e.cfg.ORTLibPath != "" {
		ort.SetSharedLibraryPath(e.cfg.ORTLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnxruntime: %w", err)
	}

	numThreads := runtime.NumCPU()
	if numThreads > 4 {
		numThreads = 4
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return fmt.Errorf("set inter threads: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}
	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return fmt.Errorf("create onnx session: %w", err)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		session.Destroy()
		return fmt.Errorf("load tokenizer: %w", err)
	}

	e.local = &localModel{session: session, tokenizer: tk}
	return nil
}

func (e *embedder) embedOpenAI(texts []string) ([][]float32, error) {
	var model openai.EmbeddingModel
	switch e.cfg.Model {
	case "text-embedding-3-large":
		model = openai.LargeEmbedding3
	case "text-embedding-ada-002":
		model = openai.AdaEmbeddingV2
	default:
		model = openai.SmallEmbedding3
	}

	resp, err := e.openai.CreateEmbeddings(context.Background(), openai.EmbeddingRequest{
		Model: model,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		l2Normalize(vec)
		out[i] = vec
	}
	return out, nil
}

func (e *embedder) embedLocal(texts []string) ([][]float32, error) {
	if e.local == nil {
		return nil, fmt.Errorf("embedder: local model not initialized")
	}

	type encoded struct {
		ids  []int64
		mask []int64
	}

	all := make([]encoded, len(texts))
	maxLen := 0
	for i, text := range texts {
		enc := e.local.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
		ids := enc.IDs
		if len(ids) > localMaxSeqLen {
			ids = ids[:localMaxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range ids64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		all[i] = encoded{ids: ids64, mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("all texts tokenized to zero length")
	}

	batchSize := len(texts)
	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	for i, enc := range all {
		copy(flatIDs[i*maxLen:], enc.ids)
		copy(flatMask[i*maxLen:], enc.mask)
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()
	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()
	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()

	outputs := []ort.Value{nil}
	if err := e.local.session.Run([]ort.Value{inputIDs, attnMask, typeIDs}, outputs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected onnx output type")
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(hiddenTensor.GetShape()[1])

	embeddings := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		vec := make([]float32, e.dim)
		base := i * seqLen * e.dim
		for d := 0; d < e.dim && base+d < len(hidden); d++ {
			vec[d] = hidden[base+d]
		}
		l2Normalize(vec)
		embeddings[i] = vec
	}
	return embeddings, nil
}

func (e *embedder) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.local != nil {
		if e.local.session != nil {
			e.local.session.Destroy()
		}
		if e.local.tokenizer != nil {
			e.local.tokenizer.Close()
		}
		e.local = nil
	}
}

// l2Normalize scales v in place to unit length. A near-zero vector is left
// as-is (already effectively the zero vector).
func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}

// cosine returns the cosine similarity of a and b, or 0 if the dimensions
// differ or either vector has zero norm — the degenerate case that lets
// downstream scoring treat a failed/zero embedding uniformly without
// branching.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
