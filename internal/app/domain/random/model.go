// Package random defines randomness requests and their verifiable result.
package random

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/R3E-Network/request_router/internal/errors"
)

const (
	MinWords = 1
	MaxWords = 10
)

// Payload is the decoded input of a randomness request. Seed is either hex
// (with or without 0x) or an arbitrary string.
type Payload struct {
	Seed     string `json:"seed"`
	NumWords int    `json:"num_words"`
}

// SeedBytes returns the hex-decoded seed, or the raw string bytes when the
// seed is not hex.
func (p Payload) SeedBytes() []byte {
	s := strings.TrimPrefix(strings.TrimPrefix(p.Seed, "0x"), "0X")
	if b, err := hex.DecodeString(s); err == nil && len(b) > 0 {
		return b
	}
	return []byte(p.Seed)
}

// ParsePayload decodes and validates a randomness payload. num_words
// defaults to one.
func ParsePayload(raw map[string]any) (Payload, error) {
	var p Payload
	if raw == nil {
		return p, errors.MissingParameter("payload")
	}
	p.Seed, _ = raw["seed"].(string)
	p.Seed = strings.TrimSpace(p.Seed)
	if p.Seed == "" {
		return p, errors.MissingParameter("seed")
	}

	p.NumWords = MinWords
	if v, ok := raw["num_words"]; ok && v != nil {
		switch n := v.(type) {
		case int:
			p.NumWords = n
		case int64:
			p.NumWords = int(n)
		case float64:
			if n != float64(int(n)) {
				return p, errors.Validation("num_words", "must be an integer")
			}
			p.NumWords = int(n)
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return p, errors.Validation("num_words", "must be an integer")
			}
			p.NumWords = int(i)
		default:
			return p, errors.Validation("num_words", "must be an integer")
		}
	}
	if p.NumWords < MinWords || p.NumWords > MaxWords {
		return p, errors.OutOfRange("num_words", MinWords, MaxWords)
	}
	return p, nil
}

// Result is the verifiable output of a randomness request.
type Result struct {
	Words     []string `json:"randomness"`
	Proof     string   `json:"proof"`
	PublicKey string   `json:"public_key"`
}

// Map renders the result as a request result.
func (r Result) Map() map[string]any {
	words := make([]any, len(r.Words))
	for i, w := range r.Words {
		words[i] = w
	}
	return map[string]any{
		"randomness": words,
		"proof":      r.Proof,
		"public_key": r.PublicKey,
	}
}
