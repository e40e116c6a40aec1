package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one transcript turn in provider-neutral form. Role is one of
// "system", "user" or "assistant". Images carry data-URL payloads and are
// only meaningful on user turns.
type Message struct {
	Role    string
	Content string
	Images  []string
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// ErrNoCredential marks a request that failed because the provider's API
// key is not configured. Handlers map it to a configuration error, not an
// upstream one.
var ErrNoCredential = errors.New("api key is not configured")

// UpstreamError is a non-2xx or malformed response from a provider. The
// raw body is kept for logs; callers surface only a generic message.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.Status, e.Body)
}

// splitDataURL decodes a "data:image/png;base64,...." payload into its MIME
// type and raw base64 data. Returns ok=false for anything else.
func splitDataURL(s string) (mimeType, data string, ok bool) {
	if !strings.HasPrefix(s, "data:") {
		return "", "", false
	}
	meta, data, found := strings.Cut(s[len("data:"):], ",")
	if !found || data == "" {
		return "", "", false
	}
	mimeType, enc, _ := strings.Cut(meta, ";")
	if mimeType == "" || enc != "base64" {
		return "", "", false
	}
	return mimeType, data, true
}
