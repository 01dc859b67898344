// Package chunk splits page-indexed documents into token-bounded groups for
// requirement extraction and section generation.
package chunk

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the token cost of a text. Implementations must treat
// estimation failure as cost zero so a missing estimate never forces a
// singleton chunk.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with the cl100k_base BPE, falling back to a bytes/4
// heuristic when the encoding cannot be loaded.
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTiktokenCounter() *TiktokenCounter { return &TiktokenCounter{} }

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// ZeroCounter reports every page as free. Used when token estimation is
// unavailable; callers relying on hard limits must supply real estimates.
type ZeroCounter struct{}

func (ZeroCounter) Count(string) int { return 0 }
