package handlers

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/ransaradev/ransgpt/internal/ai"
	"github.com/ransaradev/ransgpt/internal/chat"
	"github.com/ransaradev/ransgpt/internal/config"
	"github.com/ransaradev/ransgpt/internal/knowledge"
	"github.com/ransaradev/ransgpt/internal/routing"
	"github.com/ransaradev/ransgpt/internal/store/redisstore"
)

// JobPublisher enqueues async generation jobs. Nil disables the async path.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	Redis   *redisstore.Store
	Rabbit  JobPublisher
	ChatSvc *chat.Service
}

// NewRegistry wires the two live providers. Credentials are validated at
// call time inside each provider, so a half-configured deployment still
// serves the other provider and knowledge hits.
func NewRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register(string(routing.ProviderGemini), func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.GeminiModel
		}
		return ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey, m), nil
	})
	reg.Register(string(routing.ProviderDeepSeek), func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	return reg
}

func NewHandler(gdb *gorm.DB, cfg config.Config, rds *redisstore.Store, rabbit JobPublisher, kb *knowledge.Base) *Handler {
	repo := chat.NewRepo(gdb)
	router := routing.New(kb, routing.WeightedStrategy(cfg.GeminiWeight, cfg.ProGeminiWeight))
	svc := chat.NewService(repo, NewRegistry(cfg), router, chat.ServiceConfig{
		ContextWindow: cfg.ContextWindow,
		SystemPrompt:  cfg.SystemPrompt,
		GeminiModel:   cfg.GeminiModel,
		DeepSeekModel: cfg.OpenRouterModel,
	})
	return &Handler{
		DB:      gdb,
		Cfg:     cfg,
		Redis:   rds,
		Rabbit:  rabbit,
		ChatSvc: svc,
	}
}
