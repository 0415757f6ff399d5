package chunk

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encoderCache   = make(map[string]*tiktoken.Tiktoken)
	encoderCacheMu sync.RWMutex
)

func encoderForModel(model string) (*tiktoken.Tiktoken, error) {
	encoderCacheMu.RLock()
	if enc, ok := encoderCache[model]; ok {
		encoderCacheMu.RUnlock()
		return enc, nil
	}
	encoderCacheMu.RUnlock()

	encoderCacheMu.Lock()
	defer encoderCacheMu.Unlock()
	if enc, ok := encoderCache[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown models count with the GPT-4 family encoding.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	encoderCache[model] = enc
	return enc, nil
}

// TokenCounter returns a CounterFunc backed by the tiktoken encoding for
// model. When no encoding can be loaded (tiktoken fetches vocabularies on
// first use), counting degrades to the chars/4 heuristic.
func TokenCounter(model string) CounterFunc {
	enc, err := encoderForModel(model)
	if err != nil {
		return HeuristicCounter
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}

// HeuristicCounter approximates token counts as len/4, rounding up.
func HeuristicCounter(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}
