package latentcontext

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tiktokenEncoding is the BPE encoding used everywhere the engine counts
// tokens. cl100k_base is the encoding behind GPT-4 and GPT-3.5-turbo, and
// gives every component (budgets, truncation, footer accounting) the same
// deterministic count for the same string.
const tiktokenEncoding = "cl100k_base"

// tokenAccountant handles counting, truncating and estimating, all
// pure functions of their input text.
type tokenAccountant struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func newTokenAccountant() *tokenAccountant {
	return &tokenAccountant{}
}

func (t *tokenAccountant) encoder() (*tiktoken.Tiktoken, error) {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding(tiktokenEncoding)
	})
	return t.enc, t.err
}

// count returns the number of tokens under the fixed tokenization. If the
// encoder fails to load (tiktoken-go's default loader downloads the
// vocabulary file on first use, so this happens without network access
// or a cached copy), it falls back to estimate so callers always get a
// number.
func (t *tokenAccountant) count(text string) int {
	enc, err := t.encoder()
	if err != nil {
		return t.estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// truncate returns the longest prefix of text whose token count is <=
// budget, and that count. When text is over budget, the prefix is the
// decoding of its first budget tokens and the returned count is budget.
func (t *tokenAccountant) truncate(text string, budget int) (string, int) {
	if budget <= 0 {
		return "", 0
	}
	enc, err := t.encoder()
	if err != nil {
		return t.truncateByEstimate(text, budget)
	}
	ids := enc.Encode(text, nil, nil)
	if len(ids) <= budget {
		return text, len(ids)
	}
	truncated := enc.Decode(ids[:budget])
	return truncated, budget
}

// truncateByEstimate is the estimate-based fallback path: it returns the
// longest byte prefix, cut on a rune boundary, whose estimate() is <= budget.
func (t *tokenAccountant) truncateByEstimate(text string, budget int) (string, int) {
	maxChars := budget * 4
	if maxChars >= len(text) {
		return text, t.estimate(text)
	}
	for maxChars > 0 && text[maxChars]&0xC0 == 0x80 {
		maxChars--
	}
	prefix := text[:maxChars]
	return prefix, t.estimate(prefix)
}

// estimate is the cheap character-based lower-envelope: ceil(len/4). It is
// only used as a fast gate by callers deciding whether to bother counting
// precisely, and is never written to a row.
func (t *tokenAccountant) estimate(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
