package routing

import "testing"

type fakeKB map[string]string

func (f fakeKB) Lookup(query string) (string, bool) {
	a, ok := f[query]
	return a, ok
}

func fixed(p Provider) Strategy {
	return func(tier string) Provider { return p }
}

func TestDecide_ImageForcesVisionProvider(t *testing.T) {
	r := New(fakeKB{"who are you?": "canned"}, fixed(ProviderDeepSeek))

	cases := []Request{
		{Text: "describe this", HasImage: true},
		{Text: "d: describe this", HasImage: true},
		{Text: "who are you?", HasImage: true},
		{Text: "describe this", HasImage: true, Regenerate: true, PrevProvider: ProviderGemini},
		{Text: "describe this", HasImage: true, Tier: TierFlash},
	}
	for i, req := range cases {
		d := r.Decide(req)
		if d.Provider != ProviderGemini {
			t.Fatalf("case %d: expected gemini, got %s", i, d.Provider)
		}
		if d.Answer != "" {
			t.Fatalf("case %d: image request must not hit the knowledge base", i)
		}
	}
}

func TestDecide_CommandPrefixForcesAndStrips(t *testing.T) {
	r := New(nil, fixed(ProviderGemini))

	d := r.Decide(Request{Text: "g: hello there"})
	if d.Provider != ProviderGemini || d.Query != "hello there" {
		t.Fatalf("got provider=%s query=%q", d.Provider, d.Query)
	}

	d = r.Decide(Request{Text: "D: hello there"})
	if d.Provider != ProviderDeepSeek || d.Query != "hello there" {
		t.Fatalf("got provider=%s query=%q", d.Provider, d.Query)
	}

	// not a directive
	d = r.Decide(Request{Text: "golang is fun"})
	if d.Query != "golang is fun" {
		t.Fatalf("non-directive text must be untouched, got %q", d.Query)
	}
}

func TestDecide_CommandBeatsKnowledge(t *testing.T) {
	r := New(fakeKB{"who are you?": "canned"}, fixed(ProviderGemini))

	d := r.Decide(Request{Text: "d: who are you?"})
	if d.Provider != ProviderDeepSeek {
		t.Fatalf("command-prefixed query must reach a live provider, got %s", d.Provider)
	}
	if d.Answer != "" {
		t.Fatalf("command-prefixed query must not return a canned answer")
	}
}

func TestDecide_KnowledgeShortCircuit(t *testing.T) {
	r := New(fakeKB{"who are you?": "canned answer"}, fixed(ProviderGemini))

	d := r.Decide(Request{Text: "  who are you?  "})
	if d.Provider != ProviderKnowledge {
		t.Fatalf("expected local-knowledge, got %s", d.Provider)
	}
	if d.Answer != "canned answer" {
		t.Fatalf("unexpected answer %q", d.Answer)
	}

	// knowledge beats regenerate and tier
	d = r.Decide(Request{Text: "who are you?", Regenerate: true, PrevProvider: ProviderDeepSeek, Tier: TierPro})
	if d.Provider != ProviderKnowledge {
		t.Fatalf("expected local-knowledge, got %s", d.Provider)
	}
}

func TestDecide_RegenerateAlternates(t *testing.T) {
	r := New(nil, fixed(ProviderGemini))

	d := r.Decide(Request{Text: "again", Regenerate: true, PrevProvider: ProviderGemini})
	if d.Provider != ProviderDeepSeek {
		t.Fatalf("expected deepseek after gemini, got %s", d.Provider)
	}

	d = r.Decide(Request{Text: "again", Regenerate: true, PrevProvider: ProviderDeepSeek})
	if d.Provider != ProviderGemini {
		t.Fatalf("expected gemini after deepseek, got %s", d.Provider)
	}

	// unknown previous provider still lands on a live one
	d = r.Decide(Request{Text: "again", Regenerate: true})
	if d.Provider != ProviderGemini && d.Provider != ProviderDeepSeek {
		t.Fatalf("unexpected provider %s", d.Provider)
	}
}

func TestDecide_FixedStrategyIsDeterministic(t *testing.T) {
	r := New(nil, fixed(ProviderDeepSeek))

	for i := 0; i < 10; i++ {
		d := r.Decide(Request{Text: "anything"})
		if d.Provider != ProviderDeepSeek {
			t.Fatalf("iteration %d: expected deepseek, got %s", i, d.Provider)
		}
	}
}

func TestWeightedStrategy_FlashPinsDeepSeek(t *testing.T) {
	s := WeightedStrategy(100, 100)

	for i := 0; i < 10; i++ {
		if p := s(TierFlash); p != ProviderDeepSeek {
			t.Fatalf("flash tier must pin deepseek, got %s", p)
		}
	}
}

func TestWeightedStrategy_ExtremeWeights(t *testing.T) {
	always := WeightedStrategy(100, 100)
	never := WeightedStrategy(0, 0)

	for i := 0; i < 10; i++ {
		if p := always(""); p != ProviderGemini {
			t.Fatalf("weight 100 must always pick gemini, got %s", p)
		}
		if p := never(""); p != ProviderDeepSeek {
			t.Fatalf("weight 0 must always pick deepseek, got %s", p)
		}
		if p := always(TierPro); p != ProviderGemini {
			t.Fatalf("pro weight 100 must always pick gemini, got %s", p)
		}
		if p := never(TierPro); p != ProviderDeepSeek {
			t.Fatalf("pro weight 0 must always pick deepseek, got %s", p)
		}
	}
}

func TestWeightedStrategy_BothProvidersReachable(t *testing.T) {
	s := WeightedStrategy(50, 70)

	seen := map[Provider]bool{}
	for i := 0; i < 200; i++ {
		seen[s("")] = true
	}
	if !seen[ProviderGemini] || !seen[ProviderDeepSeek] {
		t.Fatalf("both providers should be reachable over repeated calls, saw %v", seen)
	}
}
