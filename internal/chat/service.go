package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/ransaradev/ransgpt/internal/ai"
	"github.com/ransaradev/ransgpt/internal/common"
	"github.com/ransaradev/ransgpt/internal/routing"
)

// Validation errors. Handlers map these to HTTP 400.
var (
	ErrEmptyHistory = errors.New("chat: history is required")
	ErrLastNotUser  = errors.New("chat: last message must be from the user")
)

// Options are the caller-supplied directives for one turn.
type Options struct {
	Regenerate bool
	UserStatus string // routing tier: "", "flash" or "pro"
}

// Result is a normalized reply.
type Result struct {
	Reply    string
	Provider string
	Model    string
}

type ServiceConfig struct {
	ContextWindow int
	SystemPrompt  string
	GeminiModel   string
	DeepSeekModel string
}

type Service struct {
	repo     *Repo
	registry *ai.Registry
	router   *routing.Router

	window       int
	systemPrompt string
	models       map[routing.Provider]string
}

func NewService(repo *Repo, registry *ai.Registry, router *routing.Router, cfg ServiceConfig) *Service {
	if cfg.ContextWindow <= 0 || cfg.ContextWindow > 100 {
		cfg.ContextWindow = 15
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.GeminiModel == "" {
		cfg.GeminiModel = "gemini-2.5-flash"
	}
	if cfg.DeepSeekModel == "" {
		cfg.DeepSeekModel = "deepseek/deepseek-chat"
	}
	return &Service{
		repo:         repo,
		registry:     registry,
		router:       router,
		window:       cfg.ContextWindow,
		systemPrompt: cfg.SystemPrompt,
		models: map[routing.Provider]string{
			routing.ProviderGemini:   cfg.GeminiModel,
			routing.ProviderDeepSeek: cfg.DeepSeekModel,
		},
	}
}

func validateHistory(history []Turn) error {
	if len(history) == 0 {
		return ErrEmptyHistory
	}
	if history[len(history)-1].Sender != "user" {
		return ErrLastNotUser
	}
	return nil
}

// prevProvider recovers the provider of the most recent tagged turn, for
// regenerate alternation. Clients that drop the unsatisfying assistant turn
// before resending carry its tag on the trailing user turn instead.
func prevProvider(history []Turn) routing.Provider {
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.ModelUsed == "" {
			continue
		}
		m := strings.ToLower(t.ModelUsed)
		switch {
		case strings.Contains(m, "gemini"):
			return routing.ProviderGemini
		case strings.Contains(m, "deepseek"):
			return routing.ProviderDeepSeek
		}
	}
	return ""
}

func (s *Service) decide(history []Turn, opts Options) routing.Decision {
	last := history[len(history)-1]
	return s.router.Decide(routing.Request{
		Text:         last.Text,
		HasImage:     last.HasImage(),
		Regenerate:   opts.Regenerate,
		Tier:         opts.UserStatus,
		PrevProvider: prevProvider(history),
	})
}

// buildPayload translates the transcript into provider messages: the final
// user turn is rewritten to the command-stripped query, only the most
// recent window turns survive, and the identity instruction is prepended.
// Older turns are dropped silently; they stay in the caller's transcript.
func (s *Service) buildPayload(history []Turn, query string) []ai.Message {
	turns := append([]Turn(nil), history...)
	turns[len(turns)-1].Text = query

	if len(turns) > s.window {
		turns = turns[len(turns)-s.window:]
	}

	msgs := make([]ai.Message, 0, len(turns)+1)
	msgs = append(msgs, ai.Message{Role: "system", Content: s.systemPrompt})
	for _, t := range turns {
		if t.Sender == "user" {
			images := t.Images
			if t.File != nil && t.File.Data != "" {
				images = append(append([]string(nil), images...), t.File.Data)
			}
			msgs = append(msgs, ai.Message{Role: "user", Content: t.Text, Images: images})
		} else {
			msgs = append(msgs, ai.Message{Role: "assistant", Content: t.Text})
		}
	}
	return msgs
}

// Respond routes one turn and returns the normalized reply. No persistence.
func (s *Service) Respond(ctx context.Context, history []Turn, opts Options) (Result, error) {
	if err := validateHistory(history); err != nil {
		return Result{}, err
	}

	decision := s.decide(history, opts)
	if decision.Provider == routing.ProviderKnowledge {
		return Result{Reply: decision.Answer, Provider: string(decision.Provider)}, nil
	}

	model := s.models[decision.Provider]
	provider, err := s.registry.Get(ctx, string(decision.Provider), model)
	if err != nil {
		return Result{}, err
	}

	reply, err := provider.Chat(ctx, s.buildPayload(history, decision.Query))
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: reply, Provider: string(decision.Provider), Model: model}, nil
}

// streamChunkSize is how many runes each synthetic delta carries when the
// chosen provider answered with a complete string rather than a stream.
const streamChunkSize = 48

// RespondStream routes one turn and delivers the reply as a sequence of
// text deltas. Live streams pass provider chunks through; complete replies
// (knowledge hits, non-streaming providers) are cut into synthetic deltas,
// so both delivery modes look identical to the consumer.
func (s *Service) RespondStream(ctx context.Context, history []Turn, opts Options) (<-chan string, <-chan Result, <-chan error) {
	chunks := make(chan string, 16)
	done := make(chan Result, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(done)
		defer close(errs)

		if err := validateHistory(history); err != nil {
			errs <- err
			return
		}

		decision := s.decide(history, opts)
		if decision.Provider == routing.ProviderKnowledge {
			emitChunks(ctx, chunks, decision.Answer)
			done <- Result{Reply: decision.Answer, Provider: string(decision.Provider)}
			return
		}

		model := s.models[decision.Provider]
		provider, err := s.registry.Get(ctx, string(decision.Provider), model)
		if err != nil {
			errs <- err
			return
		}

		payload := s.buildPayload(history, decision.Query)

		sp, ok := provider.(ai.StreamProvider)
		if !ok {
			reply, err := provider.Chat(ctx, payload)
			if err != nil {
				errs <- err
				return
			}
			emitChunks(ctx, chunks, reply)
			done <- Result{Reply: reply, Provider: string(decision.Provider), Model: model}
			return
		}

		pChunks, pErrs := sp.StreamChat(ctx, payload)

		var b strings.Builder
		for c := range pChunks {
			b.WriteString(c)
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}

		select {
		case err := <-pErrs:
			if err != nil {
				errs <- err
				return
			}
		default:
		}

		done <- Result{Reply: b.String(), Provider: string(decision.Provider), Model: model}
	}()

	return chunks, done, errs
}

func emitChunks(ctx context.Context, out chan<- string, reply string) {
	runes := []rune(reply)
	for i := 0; i < len(runes); i += streamChunkSize {
		end := i + streamChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		select {
		case out <- string(runes[i:end]):
		case <-ctx.Done():
			return
		}
	}
}

// TitleFromText derives a set-once chat title from the first user message.
func TitleFromText(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > 30 {
		runes = runes[:30]
	}
	return string(runes)
}

// --- persisted chats ---

func (s *Service) CreateChat(ctx context.Context, ownerID string) (*Chat, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	c := &Chat{ChatID: id, OwnerID: ownerID}
	if err := s.repo.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) ListChats(ctx context.Context, ownerID string) ([]Chat, error) {
	return s.repo.ListChatsDesc(ctx, ownerID)
}

func (s *Service) GetMessages(ctx context.Context, ownerID, chatID string) ([]Message, error) {
	if _, err := s.repo.GetChat(ctx, ownerID, chatID); err != nil {
		return nil, err
	}
	return s.repo.ListMessagesAsc(ctx, ownerID, chatID)
}

func (s *Service) DeleteChat(ctx context.Context, ownerID, chatID string) error {
	return s.repo.DeleteChat(ctx, ownerID, chatID)
}

func messagesToTurns(msgs []Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		sender := "model"
		if m.Role == "user" {
			sender = "user"
		}
		turns = append(turns, Turn{
			Sender:    sender,
			Text:      m.Text,
			Images:    m.Images,
			ModelUsed: m.ModelUsed,
		})
	}
	return turns
}

// AppendTurn appends a user turn to a stored chat, generates the reply and
// appends it too. The chat title is set from the first user message with
// set-if-absent semantics. The stored user text is the command-stripped
// form that was actually dispatched.
func (s *Service) AppendTurn(ctx context.Context, ownerID, chatID string, turn Turn, opts Options) (Result, *Message, error) {
	if _, err := s.repo.GetChat(ctx, ownerID, chatID); err != nil {
		return Result{}, nil, err
	}

	prior, err := s.repo.ListMessagesAsc(ctx, ownerID, chatID)
	if err != nil {
		return Result{}, nil, err
	}

	turn.Sender = "user"
	history := append(messagesToTurns(prior), turn)
	if err := validateHistory(history); err != nil {
		return Result{}, nil, err
	}

	decision := s.decide(history, opts)

	// 1) store the user turn first, with the stripped text
	images := turn.Images
	if turn.File != nil && turn.File.Data != "" {
		images = append(append([]string(nil), images...), turn.File.Data)
	}
	userMsg := &Message{
		ChatID:  chatID,
		OwnerID: ownerID,
		Role:    "user",
		Text:    decision.Query,
		Images:  images,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return Result{}, nil, err
	}
	if len(prior) == 0 {
		if err := s.repo.SetTitleIfAbsent(ctx, ownerID, chatID, TitleFromText(decision.Query)); err != nil {
			return Result{}, nil, err
		}
	}

	// 2) generate
	var result Result
	if decision.Provider == routing.ProviderKnowledge {
		result = Result{Reply: decision.Answer, Provider: string(decision.Provider)}
	} else {
		model := s.models[decision.Provider]
		provider, err := s.registry.Get(ctx, string(decision.Provider), model)
		if err != nil {
			return Result{}, nil, err
		}
		reply, err := provider.Chat(ctx, s.buildPayload(history, decision.Query))
		if err != nil {
			return Result{}, nil, err
		}
		result = Result{Reply: reply, Provider: string(decision.Provider), Model: model}
	}

	// 3) store the assistant turn
	assistantMsg := &Message{
		ChatID:    chatID,
		OwnerID:   ownerID,
		Role:      "model",
		Text:      result.Reply,
		ModelUsed: result.Provider,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return Result{}, nil, err
	}
	return result, assistantMsg, nil
}

// GenerateAssistantReplyAndInsert produces a reply for a stored chat whose
// newest message is already a user turn, and appends it. Used by the async
// worker.
func (s *Service) GenerateAssistantReplyAndInsert(ctx context.Context, ownerID, chatID string, opts Options) (Result, uint64, error) {
	if _, err := s.repo.GetChat(ctx, ownerID, chatID); err != nil {
		return Result{}, 0, err
	}

	msgs, err := s.repo.ListMessagesAsc(ctx, ownerID, chatID)
	if err != nil {
		return Result{}, 0, err
	}

	result, err := s.Respond(ctx, messagesToTurns(msgs), opts)
	if err != nil {
		return Result{}, 0, err
	}

	assistantMsg := &Message{
		ChatID:    chatID,
		OwnerID:   ownerID,
		Role:      "model",
		Text:      result.Reply,
		ModelUsed: result.Provider,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return Result{}, 0, err
	}
	return result, assistantMsg.ID, nil
}

// AppendUserMessage stores a user turn without generating, for the async
// path where the reply arrives later via a job.
func (s *Service) AppendUserMessage(ctx context.Context, ownerID, chatID string, turn Turn) error {
	if _, err := s.repo.GetChat(ctx, ownerID, chatID); err != nil {
		return err
	}
	prior, err := s.repo.ListMessagesAsc(ctx, ownerID, chatID)
	if err != nil {
		return err
	}
	images := turn.Images
	if turn.File != nil && turn.File.Data != "" {
		images = append(append([]string(nil), images...), turn.File.Data)
	}
	if err := s.repo.InsertMessage(ctx, &Message{
		ChatID:  chatID,
		OwnerID: ownerID,
		Role:    "user",
		Text:    turn.Text,
		Images:  images,
	}); err != nil {
		return err
	}
	if len(prior) == 0 {
		return s.repo.SetTitleIfAbsent(ctx, ownerID, chatID, TitleFromText(turn.Text))
	}
	return nil
}

func (s *Service) CreateJob(ctx context.Context, job *Job) error {
	return s.repo.CreateJob(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}
