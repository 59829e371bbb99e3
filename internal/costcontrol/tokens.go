package costcontrol

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// fallbackEncoding is used when a model has no registered tokenizer.
const fallbackEncoding = "cl100k_base"

// heuristicCharsPerToken approximates token counts when no tokenizer is
// available at all (e.g. encoding data missing). Rule of thumb: ~4 chars/token.
const heuristicCharsPerToken = 4

var (
	encoderMu    sync.Mutex
	encoderCache = map[string]*tiktoken.Tiktoken{}
)

// CountTokens estimates how many tokens text occupies for the given model's
// tokenizer. Deterministic for a given (text, model) pair. Token counting
// must never block the user from proceeding, so unknown models fall back to
// the generic encoding and tokenizer failures fall back to a character
// heuristic instead of returning an error.
func CountTokens(text, model string) int {
	if text == "" {
		return 0
	}
	enc := encoderForModel(model)
	if enc == nil {
		return (len(text) + heuristicCharsPerToken - 1) / heuristicCharsPerToken
	}
	return len(enc.Encode(text, nil, nil))
}

func encoderForModel(model string) *tiktoken.Tiktoken {
	encoderMu.Lock()
	defer encoderMu.Unlock()

	if enc, ok := encoderCache[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			log.Warn().Err(err).Str("model", model).Msg("tokenizer unavailable, using char heuristic")
			encoderCache[model] = nil
			return nil
		}
	}
	encoderCache[model] = enc
	return enc
}
