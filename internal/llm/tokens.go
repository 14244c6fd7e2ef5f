package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/pkg/logger"
)

// TokenCounter counts prompt tokens with the model's BPE encoding. The encoding
// is loaded on first use; if it cannot be loaded, counts are approximated at
// four characters per token.
type TokenCounter struct {
	model string
	once  sync.Once
	enc   *tiktoken.Tiktoken
}

func NewTokenCounter(model string) *TokenCounter {
	return &TokenCounter{model: model}
}

func (t *TokenCounter) load() {
	t.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(t.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			logger.Warn("Tokenizer unavailable, approximating token counts",
				zap.String("model", t.model), zap.Error(err))
			return
		}
		t.enc = enc
	})
}

func (t *TokenCounter) Count(s string) int {
	t.load()
	if t.enc == nil {
		return approxTokens(s)
	}
	return len(t.enc.Encode(s, nil, nil))
}

func approxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}
