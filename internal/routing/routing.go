// Package routing decides which provider answers a chat turn. The decision
// order is fixed: vision override, command prefix, knowledge short-circuit,
// regenerate alternation, then the pluggable weighted strategy.
package routing

import (
	"math/rand"
	"strings"
)

type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderDeepSeek  Provider = "deepseek"
	ProviderKnowledge Provider = "local-knowledge"
)

// Tiers a caller can declare. Flash pins the cheap text provider, pro skews
// the weighted choice toward Gemini.
const (
	TierFlash = "flash"
	TierPro   = "pro"
)

// Request is the routing view of one incoming turn.
type Request struct {
	// Text is the last user message, before command stripping.
	Text string

	// HasImage is true when the last user message carries an attachment.
	HasImage bool

	// Regenerate asks for a retake of the previous assistant turn.
	Regenerate bool

	// Tier is the caller-declared tier ("", "flash" or "pro").
	Tier string

	// PrevProvider is the provider that produced the previous assistant
	// turn, when known. Used for regenerate alternation.
	PrevProvider Provider
}

// Decision is the routing outcome. Query is the command-stripped text that
// must replace the original message before dispatch. Answer is set only for
// knowledge hits.
type Decision struct {
	Provider Provider
	Query    string
	Answer   string
}

// Lookup resolves canned answers. Satisfied by *knowledge.Base.
type Lookup interface {
	Lookup(query string) (string, bool)
}

// Strategy picks a provider for queries with no forcing signal. Injectable
// so tests can pin the choice.
type Strategy func(tier string) Provider

// WeightedStrategy returns the default load-balancing strategy:
// flash is always DeepSeek, pro routes to Gemini proWeight% of the time,
// everything else geminiWeight%.
func WeightedStrategy(geminiWeight, proWeight int) Strategy {
	clamp := func(n, fallback int) int {
		if n < 0 || n > 100 {
			return fallback
		}
		return n
	}
	geminiWeight = clamp(geminiWeight, 50)
	proWeight = clamp(proWeight, 70)

	return func(tier string) Provider {
		switch tier {
		case TierFlash:
			return ProviderDeepSeek
		case TierPro:
			if rand.Intn(100) < proWeight {
				return ProviderGemini
			}
			return ProviderDeepSeek
		default:
			if rand.Intn(100) < geminiWeight {
				return ProviderGemini
			}
			return ProviderDeepSeek
		}
	}
}

type Router struct {
	kb       Lookup
	strategy Strategy
}

func New(kb Lookup, strategy Strategy) *Router {
	if strategy == nil {
		strategy = WeightedStrategy(50, 70)
	}
	return &Router{kb: kb, strategy: strategy}
}

// Decide routes one turn. Precedence, highest first:
//  1. an image attachment forces the vision-capable provider
//  2. a command prefix forces its provider and is stripped from the text
//  3. a knowledge-base exact match answers locally, no upstream call
//  4. regenerate alternates away from the previous provider
//  5. the weighted strategy picks between live providers
func (r *Router) Decide(req Request) Decision {
	query := strings.TrimSpace(req.Text)

	if req.HasImage {
		return Decision{Provider: ProviderGemini, Query: query}
	}

	if forced, stripped, ok := stripCommand(query); ok {
		return Decision{Provider: forced, Query: stripped}
	}

	if r.kb != nil {
		if answer, ok := r.kb.Lookup(query); ok {
			return Decision{Provider: ProviderKnowledge, Query: query, Answer: answer}
		}
	}

	if req.Regenerate {
		return Decision{Provider: alternate(req.PrevProvider), Query: query}
	}

	return Decision{Provider: r.strategy(req.Tier), Query: query}
}

// stripCommand recognizes the two-character provider directives "g:" and
// "d:" at the start of a query and removes them.
func stripCommand(query string) (Provider, string, bool) {
	if len(query) < 2 {
		return "", query, false
	}
	switch strings.ToLower(query[:2]) {
	case "g:":
		return ProviderGemini, strings.TrimSpace(query[2:]), true
	case "d:":
		return ProviderDeepSeek, strings.TrimSpace(query[2:]), true
	}
	return "", query, false
}

// alternate returns the other live provider, so a regenerate never repeats
// the model that produced the unsatisfying answer.
func alternate(prev Provider) Provider {
	if prev == ProviderGemini {
		return ProviderDeepSeek
	}
	return ProviderGemini
}
