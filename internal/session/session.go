package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ransaradev/ransgpt/internal/chat"
	"github.com/ransaradev/ransgpt/internal/common"
)

// StopMarker is appended after any partial text when the user aborts a
// generation mid-stream.
const StopMarker = "**Generation stopped by user.**"

// DefaultTimeout bounds a single generate round trip. Expiry is reported
// through Sink.Failed like any other network failure.
const DefaultTimeout = 30 * time.Second

type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

var (
	ErrBusy      = errors.New("session: a generation is already in flight")
	ErrEmptyText = errors.New("session: empty message text")
)

// Options carries the per-send routing hints forwarded to the backend.
type Options struct {
	Regenerate bool
	UserStatus string
}

// Result is the backend's final word on a generation.
type Result struct {
	Reply    string
	Provider string
	Model    string
}

// Backend produces an incremental reply for a transcript. Implementations
// may stream real network chunks or reveal an already-complete string
// piecewise; the session treats both identically. Exactly one of the result
// or error channels yields a value after the chunk channel is drained.
type Backend interface {
	Generate(ctx context.Context, history []chat.Turn, opts Options) (<-chan string, <-chan Result, <-chan error)
}

// Sink receives session lifecycle events. All callbacks run on the
// generation goroutine; implementations must be safe to call from there.
type Sink interface {
	Chunk(chatID, delta string)
	Done(chatID string, turn chat.Turn)
	Stopped(chatID, partial string)
	Failed(chatID string, err error)
}

// Chat is one in-memory conversation.
type Chat struct {
	ID    string      `json:"id"`
	Title string      `json:"title"`
	Turns []chat.Turn `json:"messages"`
}

// Session owns a set of conversation transcripts and runs the
// send/stream/stop lifecycle against a Backend, one generation in flight
// at a time. Late responses from a chat the user has switched away from
// are dropped entirely.
type Session struct {
	backend Backend
	store   Store
	sink    Sink
	timeout time.Duration

	mu      sync.Mutex
	state   State
	active  string
	chats   map[string]*Chat
	order   []string
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

func New(backend Backend, store Store, sink Sink) (*Session, error) {
	s := &Session{
		backend: backend,
		store:   store,
		sink:    sink,
		timeout: DefaultTimeout,
		chats:   map[string]*Chat{},
	}
	if store != nil {
		chats, order, err := store.Load()
		if err != nil {
			return nil, err
		}
		if chats != nil {
			s.chats = chats
			s.order = order
		}
	}
	return s, nil
}

// SetTimeout overrides the per-generation deadline. Zero restores the
// default.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		d = DefaultTimeout
	}
	s.timeout = d
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NewChat creates an empty chat and makes it active.
func (s *Session) NewChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newChatLocked()
}

func (s *Session) newChatLocked() string {
	id, err := common.NewULID()
	if err != nil {
		id = time.Now().UTC().Format("20060102150405.000000000")
	}
	s.chats[id] = &Chat{ID: id}
	s.order = append([]string{id}, s.order...)
	s.active = id
	return id
}

// Switch makes the given chat active. An in-flight generation keeps
// running; its response will be discarded on arrival.
func (s *Session) Switch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		return errors.New("session: unknown chat " + id)
	}
	s.active = id
	return nil
}

// ActiveChat returns a copy of the current chat, or nil if none exists yet.
func (s *Session) ActiveChat() *Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[s.active]
	if !ok {
		return nil
	}
	cp := *c
	cp.Turns = append([]chat.Turn(nil), c.Turns...)
	return &cp
}

// Chats lists all chats, newest first.
func (s *Session) Chats() []*Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Chat, 0, len(s.order))
	for _, id := range s.order {
		if c, ok := s.chats[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Delete removes a chat. Deleting the active chat leaves no chat active.
func (s *Session) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.active == id {
		s.active = ""
	}
	s.persistLocked()
}

// Send appends a user turn to the active chat (creating one if needed) and
// starts a generation. It returns immediately; progress is reported through
// the Sink. ErrBusy is returned while a previous generation is in flight.
func (s *Session) Send(text string, images []string, opts Options) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	if text == "" && len(images) == 0 {
		s.mu.Unlock()
		return ErrEmptyText
	}

	if _, ok := s.chats[s.active]; !ok {
		s.newChatLocked()
	}
	c := s.chats[s.active]
	c.Turns = append(c.Turns, chat.Turn{Sender: "user", Text: text, Images: images})
	if c.Title == "" {
		c.Title = chat.TitleFromText(text)
	}
	s.persistLocked()

	stamp := s.active
	history := append([]chat.Turn(nil), c.Turns...)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.cancel = cancel
	s.stopped = false
	s.state = StateSending
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	chunks, results, errs := s.backend.Generate(ctx, history, opts)

	go func() {
		defer close(done)
		defer cancel()
		s.consume(ctx, stamp, chunks, results, errs)
	}()
	return nil
}

// Regenerate resends the transcript with the regenerate flag set, dropping
// the trailing model turn first so the backend alternates providers.
func (s *Session) Regenerate(userStatus string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	c, ok := s.chats[s.active]
	if !ok || len(c.Turns) == 0 {
		s.mu.Unlock()
		return errors.New("session: nothing to regenerate")
	}

	prev := ""
	if last := c.Turns[len(c.Turns)-1]; last.Sender == "model" {
		prev = last.ModelUsed
		c.Turns = c.Turns[:len(c.Turns)-1]
	}
	if len(c.Turns) == 0 || c.Turns[len(c.Turns)-1].Sender != "user" {
		s.mu.Unlock()
		return errors.New("session: nothing to regenerate")
	}
	if prev != "" {
		// carry the dropped reply's provider so alternation has a reference
		c.Turns[len(c.Turns)-1].ModelUsed = prev
	}
	s.persistLocked()

	stamp := s.active
	history := append([]chat.Turn(nil), c.Turns...)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.cancel = cancel
	s.stopped = false
	s.state = StateSending
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	chunks, results, errs := s.backend.Generate(ctx, history, Options{Regenerate: true, UserStatus: userStatus})

	go func() {
		defer close(done)
		defer cancel()
		s.consume(ctx, stamp, chunks, results, errs)
	}()
	return nil
}

// Stop aborts the in-flight generation. Partial text already revealed is
// kept and a stop marker is appended. No-op when idle.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateIdle || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
}

// Wait blocks until the in-flight generation (if any) has settled.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Session) consume(ctx context.Context, stamp string, chunks <-chan string, results <-chan Result, errs <-chan error) {
	var partial []byte

	for chunk := range chunks {
		s.mu.Lock()
		if s.state == StateSending {
			s.state = StateStreaming
		}
		live := s.active == stamp
		s.mu.Unlock()

		partial = append(partial, chunk...)
		if live && s.sink != nil {
			s.sink.Chunk(stamp, chunk)
		}
	}

	select {
	case res := <-results:
		s.settle(stamp, res, string(partial), nil)
	case err := <-errs:
		if err == nil {
			err = ctx.Err()
		}
		s.settle(stamp, Result{}, string(partial), err)
	case <-ctx.Done():
		s.settle(stamp, Result{}, string(partial), ctx.Err())
	}
}

func (s *Session) settle(stamp string, res Result, partial string, err error) {
	s.mu.Lock()
	stopped := s.stopped
	live := s.active == stamp
	c := s.chats[stamp]

	s.state = StateIdle
	s.cancel = nil
	s.stopped = false

	if !live || c == nil {
		// stale response after a chat switch: drop it entirely
		s.mu.Unlock()
		return
	}

	switch {
	case err != nil && stopped:
		text := partial
		if text != "" {
			text += "\n\n"
		}
		text += StopMarker
		c.Turns = append(c.Turns, chat.Turn{Sender: "model", Text: text})
		s.persistLocked()
		s.mu.Unlock()
		if s.sink != nil {
			s.sink.Stopped(stamp, partial)
		}

	case err != nil:
		s.mu.Unlock()
		if s.sink != nil {
			s.sink.Failed(stamp, err)
		}

	default:
		reply := res.Reply
		if reply == "" {
			reply = partial
		}
		turn := chat.Turn{Sender: "model", Text: reply, ModelUsed: res.Provider}
		c.Turns = append(c.Turns, turn)
		s.persistLocked()
		s.mu.Unlock()
		if s.sink != nil {
			s.sink.Done(stamp, turn)
		}
	}
}

func (s *Session) persistLocked() {
	if s.store == nil {
		return
	}
	// best effort; the in-memory transcript stays authoritative
	_ = s.store.Save(s.chats, s.order)
}
