package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ransaradev/ransgpt/internal/common"
	"github.com/ransaradev/ransgpt/internal/config"
	"github.com/ransaradev/ransgpt/internal/httpapi/handlers"
	"github.com/ransaradev/ransgpt/internal/httpapi/middleware"
	"github.com/ransaradev/ransgpt/internal/knowledge"
	"github.com/ransaradev/ransgpt/internal/store/redisstore"
)

func NewRouter(gdb *gorm.DB, cfg config.Config, rds *redisstore.Store, rabbit handlers.JobPublisher, kb *knowledge.Base) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(gdb, cfg, rds, rabbit, kb)

	r.GET("/ping", h.Ping)

	// Public proxy endpoints; the legacy web client calls these without any
	// auth, its local transcript is the state.
	r.POST("/chat", h.RespondChat)
	r.POST("/chat/stream", h.RespondChatStream)

	// users
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authed := r.Group("/")
	authed.Use(middleware.AuthRequired(cfg.JWTSecret))
	authed.GET("/me", h.Me)

	// Stored chats accept either a bearer token or a guest ID header.
	chats := r.Group("/chats")
	chats.Use(middleware.AuthOptional(cfg.JWTSecret))
	chats.POST("", h.CreateChat)
	chats.GET("", h.ListChats)
	chats.GET("/:chat_id/messages", h.GetChatMessages)
	chats.POST("/:chat_id/messages", h.AppendChatTurn)
	chats.POST("/:chat_id/async", h.SendChatAsync)
	chats.DELETE("/:chat_id", h.DeleteChat)

	jobs := r.Group("/chat/jobs")
	jobs.Use(middleware.AuthOptional(cfg.JWTSecret))
	jobs.GET("/:job_id", h.GetChatJob)

	// Guest-mode history blobs, the local-storage replacement.
	r.GET("/guest/chats", h.GetGuestChats)
	r.PUT("/guest/chats", h.SaveGuestChats)

	return r
}
