package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ransaradev/ransgpt/internal/chat"
	"github.com/ransaradev/ransgpt/internal/session"
)

// Client talks to the backend's public /chat endpoints and satisfies
// session.Backend. It prefers the SSE stream and falls back to the
// single-shot endpoint with a synthetic progressive reveal, so callers see
// incremental chunks either way.
type Client struct {
	baseURL string
	http    *http.Client
	guestID string
	token   string
	stream  bool

	// revealDelay paces the synthetic reveal in fallback mode.
	revealDelay time.Duration
}

type Option func(*Client)

func WithGuestID(id string) Option   { return func(c *Client) { c.guestID = id } }
func WithToken(tok string) Option    { return func(c *Client) { c.token = tok } }
func WithStreaming(on bool) Option   { return func(c *Client) { c.stream = on } }
func WithHTTP(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithRevealDelay(d time.Duration) Option {
	return func(c *Client) { c.revealDelay = d }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 60 * time.Second},
		stream:      true,
		revealDelay: 20 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type chatBody struct {
	History    []chat.Turn `json:"history"`
	Regenerate bool        `json:"regenerate,omitempty"`
	UserStatus string      `json:"userStatus,omitempty"`
}

type chatResp struct {
	Reply   string `json:"reply"`
	Model   string `json:"model"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Generate implements session.Backend.
func (c *Client) Generate(ctx context.Context, history []chat.Turn, opts session.Options) (<-chan string, <-chan session.Result, <-chan error) {
	chunks := make(chan string, 16)
	results := make(chan session.Result, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)

		if c.stream {
			ok, err := c.generateStream(ctx, history, opts, chunks, results)
			if ok {
				if err != nil {
					errs <- err
				}
				return
			}
			// stream endpoint unreachable: fall through to single-shot
		}

		res, err := c.generateOnce(ctx, history, opts)
		if err != nil {
			errs <- err
			return
		}
		c.reveal(ctx, res.Reply, chunks)
		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}
		results <- res
	}()

	return chunks, results, errs
}

// generateOnce is the plain POST /chat round trip.
func (c *Client) generateOnce(ctx context.Context, history []chat.Turn, opts session.Options) (session.Result, error) {
	resp, err := c.post(ctx, "/chat", chatBody{History: history, Regenerate: opts.Regenerate, UserStatus: opts.UserStatus})
	if err != nil {
		return session.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return session.Result{}, err
	}

	var cr chatResp
	if err := json.Unmarshal(body, &cr); err != nil {
		return session.Result{}, fmt.Errorf("chat: bad response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := cr.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		if cr.Details != "" {
			msg += ": " + cr.Details
		}
		return session.Result{}, fmt.Errorf("chat: %s", msg)
	}
	return session.Result{Reply: cr.Reply, Provider: cr.Model}, nil
}

// sseEvent mirrors the data payload of every /chat/stream event.
type sseEvent struct {
	Type    string `json:"type"`
	Delta   string `json:"delta"`
	Reply   string `json:"reply"`
	Model   string `json:"model"`
	Message string `json:"message"`
}

// generateStream consumes POST /chat/stream. The bool reports whether the
// endpoint answered at all; false means the caller should fall back.
func (c *Client) generateStream(ctx context.Context, history []chat.Turn, opts session.Options, chunks chan<- string, results chan<- session.Result) (bool, error) {
	resp, err := c.post(ctx, "/chat/stream", chatBody{History: history, Regenerate: opts.Regenerate, UserStatus: opts.UserStatus})
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return false, nil
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var cr chatResp
		if json.Unmarshal(body, &cr) == nil && cr.Error != "" {
			return true, fmt.Errorf("chat: %s", cr.Error)
		}
		return false, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "chunk":
			select {
			case chunks <- ev.Delta:
			case <-ctx.Done():
				return true, ctx.Err()
			}
		case "done":
			results <- session.Result{Reply: ev.Reply, Provider: ev.Model}
			return true, nil
		case "error":
			return true, fmt.Errorf("chat: %s", ev.Message)
		}
		// pings fall through
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return true, err
	}
	return true, fmt.Errorf("chat: stream ended without a done event")
}

// reveal delivers an already-complete reply as paced chunks.
func (c *Client) reveal(ctx context.Context, reply string, chunks chan<- string) {
	const size = 48
	runes := []rune(reply)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		select {
		case chunks <- string(runes[i:end]):
		case <-ctx.Done():
			return
		}
		if c.revealDelay > 0 {
			select {
			case <-time.After(c.revealDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.guestID != "" {
		req.Header.Set("X-Guest-ID", c.guestID)
	}
	return c.http.Do(req)
}
