package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ransaradev/ransgpt/internal/chat"
)

// scriptedBackend reveals a fixed reply chunk by chunk, optionally gated on
// release so tests can act while a generation is in flight.
type scriptedBackend struct {
	reply     string
	chunks    []string
	err       error
	release   chan struct{}
	mu        sync.Mutex
	histories [][]chat.Turn
}

func (b *scriptedBackend) Generate(ctx context.Context, history []chat.Turn, opts Options) (<-chan string, <-chan Result, <-chan error) {
	b.mu.Lock()
	b.histories = append(b.histories, append([]chat.Turn(nil), history...))
	b.mu.Unlock()

	chunks := make(chan string, 16)
	results := make(chan Result, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)

		for _, c := range b.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}

		if b.release != nil {
			select {
			case <-b.release:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}

		if b.err != nil {
			errs <- b.err
			return
		}
		results <- Result{Reply: b.reply, Provider: "gemini"}
	}()

	return chunks, results, errs
}

// recordingSink captures callbacks for assertions.
type recordingSink struct {
	mu      sync.Mutex
	chunks  []string
	done    []chat.Turn
	stopped []string
	failed  []error
}

func (s *recordingSink) Chunk(chatID, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, delta)
}

func (s *recordingSink) Done(chatID string, turn chat.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, turn)
}

func (s *recordingSink) Stopped(chatID, partial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, partial)
}

func (s *recordingSink) Failed(chatID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, err)
}

func newTestSession(t *testing.T, backend Backend, sink Sink) *Session {
	t.Helper()
	s, err := New(backend, nil, sink)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestSend_AppendsBothTurns(t *testing.T) {
	backend := &scriptedBackend{reply: "hi there", chunks: []string{"hi ", "there"}}
	sink := &recordingSink{}
	s := newTestSession(t, backend, sink)

	if err := s.Send("hello", nil, Options{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	s.Wait()

	c := s.ActiveChat()
	if c == nil || len(c.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %+v", c)
	}
	if c.Turns[0].Sender != "user" || c.Turns[0].Text != "hello" {
		t.Fatalf("user turn: %+v", c.Turns[0])
	}
	if c.Turns[1].Sender != "model" || c.Turns[1].Text != "hi there" {
		t.Fatalf("model turn: %+v", c.Turns[1])
	}
	if c.Title != "hello" {
		t.Fatalf("title = %q", c.Title)
	}
	if len(sink.done) != 1 || sink.done[0].ModelUsed != "gemini" {
		t.Fatalf("done callbacks: %+v", sink.done)
	}
	if strings.Join(sink.chunks, "") != "hi there" {
		t.Fatalf("chunks: %v", sink.chunks)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSend_TitleSetOnce(t *testing.T) {
	backend := &scriptedBackend{reply: "ok"}
	s := newTestSession(t, backend, &recordingSink{})

	for _, text := range []string{"first message", "second message", "third message"} {
		if err := s.Send(text, nil, Options{}); err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
		s.Wait()
	}

	if c := s.ActiveChat(); c.Title != "first message" {
		t.Fatalf("title must not change after the first message, got %q", c.Title)
	}
}

func TestSend_BusyWhileInFlight(t *testing.T) {
	backend := &scriptedBackend{reply: "ok", release: make(chan struct{})}
	s := newTestSession(t, backend, &recordingSink{})

	if err := s.Send("one", nil, Options{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Send("two", nil, Options{}); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(backend.release)
	s.Wait()

	if err := s.Send("two", nil, Options{}); err != nil {
		t.Fatalf("send after settle: %v", err)
	}
	s.Wait()
}

func TestStop_KeepsPartialAndAppendsMarker(t *testing.T) {
	backend := &scriptedBackend{chunks: []string{"partial "}, release: make(chan struct{})}
	sink := &recordingSink{}
	s := newTestSession(t, backend, sink)

	if err := s.Send("hello", nil, Options{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// wait for the first chunk to land before stopping
	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.chunks)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for first chunk")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	s.Stop()
	s.Wait()

	c := s.ActiveChat()
	if len(c.Turns) != 2 {
		t.Fatalf("expected user + stopped turns, got %d", len(c.Turns))
	}
	text := c.Turns[1].Text
	if !strings.HasPrefix(text, "partial ") || !strings.HasSuffix(text, StopMarker) {
		t.Fatalf("stopped turn must keep partial text and end with the marker, got %q", text)
	}
	if len(sink.stopped) != 1 || sink.stopped[0] != "partial " {
		t.Fatalf("stopped callbacks: %v", sink.stopped)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v", s.State())
	}
}

func TestTimeout_ReportedAsFailure(t *testing.T) {
	backend := &scriptedBackend{reply: "late", release: make(chan struct{})}
	sink := &recordingSink{}
	s := newTestSession(t, backend, sink)
	s.SetTimeout(20 * time.Millisecond)

	if err := s.Send("hello", nil, Options{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	s.Wait()

	if len(sink.failed) != 1 {
		t.Fatalf("expected one failure, got %v", sink.failed)
	}
	if !errors.Is(sink.failed[0], context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", sink.failed[0])
	}

	// no model turn is appended on failure
	if c := s.ActiveChat(); len(c.Turns) != 1 {
		t.Fatalf("expected only the user turn, got %d", len(c.Turns))
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v", s.State())
	}
}

func TestRaceGuard_StaleResponseDropped(t *testing.T) {
	backend := &scriptedBackend{reply: "stale answer", release: make(chan struct{})}
	sink := &recordingSink{}
	s := newTestSession(t, backend, sink)

	first := s.NewChat()
	if err := s.Send("question in A", nil, Options{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// switch to a different chat while the request is in flight
	second := s.NewChat()
	if second == first {
		t.Fatalf("expected a new chat id")
	}

	close(backend.release)
	s.Wait()

	// neither chat received the stale reply
	for _, id := range []string{first, second} {
		if err := s.Switch(id); err != nil {
			t.Fatalf("switch: %v", err)
		}
		c := s.ActiveChat()
		for _, turn := range c.Turns {
			if turn.Sender == "model" {
				t.Fatalf("chat %s must not contain the stale reply, got %+v", id, turn)
			}
		}
	}
	if len(sink.done) != 0 {
		t.Fatalf("stale response must not reach the sink, got %v", sink.done)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v", s.State())
	}
}

func TestRaceGuard_ChunksStopAfterSwitch(t *testing.T) {
	backend := &scriptedBackend{reply: "done", chunks: []string{"a", "b"}, release: make(chan struct{})}
	sink := &recordingSink{}
	s := newTestSession(t, backend, sink)

	s.NewChat()
	if err := s.Send("hello", nil, Options{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	s.NewChat()

	close(backend.release)
	s.Wait()

	// the stale generation settles without a Done callback
	if len(sink.done) != 0 {
		t.Fatalf("expected no done callback, got %v", sink.done)
	}
}

func TestRegenerate_DropsTrailingModelTurn(t *testing.T) {
	backend := &scriptedBackend{reply: "take two"}
	s := newTestSession(t, backend, &recordingSink{})

	if err := s.Send("question", nil, Options{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	s.Wait()

	if err := s.Regenerate(""); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	s.Wait()

	c := s.ActiveChat()
	if len(c.Turns) != 2 {
		t.Fatalf("expected user + regenerated turns, got %d", len(c.Turns))
	}
	if c.Turns[1].Text != "take two" {
		t.Fatalf("regenerated text = %q", c.Turns[1].Text)
	}

	// the backend saw a transcript ending in the user turn both times
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.histories) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(backend.histories))
	}
	last := backend.histories[1]
	if last[len(last)-1].Sender != "user" {
		t.Fatalf("regenerate history must end with the user turn")
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := t.TempDir() + "/chats.json"
	store := NewFileStore(path)

	chats := map[string]*Chat{
		"01A": {ID: "01A", Title: "first", Turns: []chat.Turn{{Sender: "user", Text: "hi"}}},
	}
	if err := store.Save(chats, []string{"01A"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, order, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(order) != 1 || order[0] != "01A" {
		t.Fatalf("order = %v", order)
	}
	c := loaded["01A"]
	if c == nil || c.Title != "first" || len(c.Turns) != 1 {
		t.Fatalf("loaded chat = %+v", c)
	}

	// missing file is not an error
	empty := NewFileStore(t.TempDir() + "/missing.json")
	if chats, _, err := empty.Load(); err != nil || chats != nil {
		t.Fatalf("missing file: chats=%v err=%v", chats, err)
	}
}

func TestSessionPersistsThroughStore(t *testing.T) {
	path := t.TempDir() + "/chats.json"
	backend := &scriptedBackend{reply: "saved"}

	s := newTestSession(t, backend, &recordingSink{})
	s.store = NewFileStore(path)

	if err := s.Send("remember me", nil, Options{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	s.Wait()

	reloaded, err := New(backend, NewFileStore(path), &recordingSink{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	chats := reloaded.Chats()
	if len(chats) != 1 || len(chats[0].Turns) != 2 {
		t.Fatalf("expected the saved chat back, got %+v", chats)
	}
}
