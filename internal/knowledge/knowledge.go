// Package knowledge holds the static question/answer override table that is
// consulted before any live provider call. Matching is exact after
// normalization; this is a short-circuit for canned identity answers, not a
// search index.
package knowledge

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

//go:embed data/knowledge.json
var defaultData []byte

type Entry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Base struct {
	answers map[string]string
}

// Load reads the table at path, or the embedded default table when path is
// empty. The table is read once and immutable afterwards.
func Load(path string) (*Base, error) {
	data := defaultData
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
		}
		data = b
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("knowledge: parse: %w", err)
	}

	answers := make(map[string]string, len(entries))
	for _, e := range entries {
		q := Normalize(e.Question)
		if q == "" || e.Answer == "" {
			continue
		}
		answers[q] = e.Answer
	}
	return &Base{answers: answers}, nil
}

// Normalize lowercases and trims a query for matching.
func Normalize(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// Lookup returns the canned answer for an exact (normalized) question match.
func (b *Base) Lookup(query string) (string, bool) {
	if b == nil {
		return "", false
	}
	answer, ok := b.answers[Normalize(query)]
	return answer, ok
}

// Len reports how many entries were loaded.
func (b *Base) Len() int {
	if b == nil {
		return 0
	}
	return len(b.answers)
}
