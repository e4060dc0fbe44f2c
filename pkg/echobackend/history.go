package echobackend

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

const DefaultTokenEncoding = string(tokenizer.Cl100kBase)

// TokenCounter reports how many tokens a text takes.
type TokenCounter func(text string) int

// NewTokenCounter returns a counter backed by the named BPE encoding (cl100k_base, o200k_base, ...).
func NewTokenCounter(encoding string) (TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, errors.Wrapf(err, "load token encoding %q", encoding)
	}
	return func(text string) int {
		ids, _, err := codec.Encode(text)
		if err != nil {
			return len(strings.Fields(text))
		}
		return len(ids)
	}, nil
}

// TrimHistory keeps the most recent turns whose combined size fits budget. A budget of zero or
// less leaves history untouched.
func TrimHistory(history []widgetchat.HistoryTurn, budget int, count TokenCounter) []widgetchat.HistoryTurn {
	if budget <= 0 || count == nil {
		return history
	}
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		used += count(history[i].Content)
		if used > budget {
			break
		}
		start = i
	}
	return history[start:]
}
