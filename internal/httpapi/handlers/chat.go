package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ransaradev/ransgpt/internal/ai"
	"github.com/ransaradev/ransgpt/internal/chat"
	"github.com/ransaradev/ransgpt/internal/common"
	"github.com/ransaradev/ransgpt/internal/httpapi/middleware"
)

type chatReq struct {
	History    []chat.Turn `json:"history"`
	Query      string      `json:"query"` // legacy single-shot body
	Regenerate bool        `json:"regenerate"`
	UserStatus string      `json:"userStatus"`
}

// history normalizes the two accepted body shapes into one transcript.
func (r chatReq) history() []chat.Turn {
	if len(r.History) > 0 {
		return r.History
	}
	if strings.TrimSpace(r.Query) != "" {
		return []chat.Turn{{Sender: "user", Text: r.Query}}
	}
	return nil
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// ownerFromContext identifies the storage owner: an authenticated user, or
// a guest by its client-generated ID header.
func ownerFromContext(c *gin.Context) (string, bool) {
	if uid, ok := userIDFromContext(c); ok {
		return "user:" + strconv.FormatUint(uid, 10), true
	}
	if gid := strings.TrimSpace(c.GetHeader("X-Guest-ID")); gid != "" {
		return "guest:" + gid, true
	}
	return "", false
}

// writeChatError maps the error taxonomy onto the public /chat contract.
// Upstream detail goes to the log in full; the response carries at most the
// provider's own message.
func writeChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyHistory), errors.Is(err, chat.ErrLastNotUser):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or missing chat history."})
	case errors.Is(err, ai.ErrNoCredential):
		log.Printf("chat config error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server configuration error."})
	default:
		var ue *ai.UpstreamError
		if errors.As(err, &ue) {
			log.Printf("chat upstream error provider=%s status=%d body=%q", ue.Provider, ue.Status, ue.Body)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "An internal server error occurred.",
				"details": ue.Body,
			})
			return
		}
		log.Printf("chat error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal server error occurred."})
	}
}

// RespondChat is the stateless proxy endpoint: POST /chat.
func (h *Handler) RespondChat(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or missing chat history."})
		return
	}

	history := req.history()
	if history == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or missing chat history."})
		return
	}

	result, err := h.ChatSvc.Respond(c.Request.Context(), history, chat.Options{
		Regenerate: req.Regenerate,
		UserStatus: req.UserStatus,
	})
	if err != nil {
		writeChatError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reply": result.Reply,
		"model": result.Provider,
	})
}

// RespondChatStream is POST /chat/stream: the same contract delivered as
// server-sent events.
func (h *Handler) RespondChatStream(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or missing chat history."})
		return
	}
	history := req.history()
	if history == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or missing chat history."})
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	chunks, done, errs := h.ChatSvc.RespondStream(ctx, history, chat.Options{
		Regenerate: req.Regenerate,
		UserStatus: req.UserStatus,
	})

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writeJSON("chunk", gin.H{"type": "chunk", "delta": ch})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case err := <-errs:
			if err == nil {
				continue
			}
			var ue *ai.UpstreamError
			if errors.As(err, &ue) {
				log.Printf("chat stream upstream error provider=%s status=%d body=%q", ue.Provider, ue.Status, ue.Body)
			} else {
				log.Printf("chat stream error: %v", err)
			}
			writeJSON("error", gin.H{"type": "error", "message": "An internal server error occurred."})
			return

		case result := <-done:
			writeJSON("done", gin.H{
				"type":  "done",
				"reply": result.Reply,
				"model": result.Provider,
			})
			return

		case <-ctx.Done():
			return
		}
	}
}

// --- stored chats ---

func (h *Handler) CreateChat(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "login or X-Guest-ID required")
		return
	}

	ch, err := h.ChatSvc.CreateChat(c.Request.Context(), owner)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create chat")
		return
	}
	common.OK(c, gin.H{"chat_id": ch.ChatID})
}

func (h *Handler) ListChats(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "login or X-Guest-ID required")
		return
	}

	chats, err := h.ChatSvc.ListChats(c.Request.Context(), owner)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	common.OK(c, gin.H{"chats": chats})
}

func (h *Handler) GetChatMessages(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "login or X-Guest-ID required")
		return
	}

	msgs, err := h.ChatSvc.GetMessages(c.Request.Context(), owner, c.Param("chat_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

type appendTurnReq struct {
	Text       string        `json:"text"`
	Images     []string      `json:"images"`
	File       *chat.FileRef `json:"file"`
	Regenerate bool          `json:"regenerate"`
	UserStatus string        `json:"userStatus"`
}

func (h *Handler) AppendChatTurn(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "login or X-Guest-ID required")
		return
	}

	var req appendTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 && req.File == nil {
		common.Fail(c, http.StatusBadRequest, 10002, "text or attachment required")
		return
	}

	result, msg, err := h.ChatSvc.AppendTurn(c.Request.Context(), owner, c.Param("chat_id"),
		chat.Turn{Sender: "user", Text: req.Text, Images: req.Images, File: req.File},
		chat.Options{Regenerate: req.Regenerate, UserStatus: req.UserStatus},
	)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		var ue *ai.UpstreamError
		if errors.As(err, &ue) {
			log.Printf("append turn upstream error provider=%s status=%d body=%q", ue.Provider, ue.Status, ue.Body)
		} else {
			log.Printf("append turn error owner=%s chat=%s err=%v", owner, c.Param("chat_id"), err)
		}
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to generate reply")
		return
	}

	common.OK(c, gin.H{
		"reply":      result.Reply,
		"model":      result.Provider,
		"message_id": msg.ID,
	})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "login or X-Guest-ID required")
		return
	}

	if err := h.ChatSvc.DeleteChat(c.Request.Context(), owner, c.Param("chat_id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to delete chat")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

// --- async generation ---

func (h *Handler) SendChatAsync(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "login or X-Guest-ID required")
		return
	}
	if h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async generation is disabled")
		return
	}

	var req appendTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 && req.File == nil {
		common.Fail(c, http.StatusBadRequest, 10002, "text or attachment required")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	chatID := c.Param("chat_id")
	if err := h.ChatSvc.AppendUserMessage(c.Request.Context(), owner, chatID,
		chat.Turn{Sender: "user", Text: req.Text, Images: req.Images, File: req.File}); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		log.Printf("async append user msg failed owner=%s chat=%s err=%v", owner, chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.Job{
		ID:             jobID,
		OwnerID:        owner,
		ChatID:         chatID,
		Regenerate:     req.Regenerate,
		UserStatus:     req.UserStatus,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	job, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		log.Printf("create job failed owner=%s chat=%s err=%v", owner, chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job.ID); err != nil {
			log.Printf("publish job failed owner=%s chat=%s job=%s err=%v", owner, chatID, job.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": job.ID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "login or X-Guest-ID required")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.OwnerID != owner {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"chat_id":           j.ChatID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}

// --- guest history blobs ---

func guestIDFromHeader(c *gin.Context) (string, bool) {
	gid := strings.TrimSpace(c.GetHeader("X-Guest-ID"))
	return gid, gid != ""
}

func (h *Handler) GetGuestChats(c *gin.Context) {
	gid, okk := guestIDFromHeader(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10004, "X-Guest-ID required")
		return
	}
	blob, err := h.Redis.GetGuestChats(c.Request.Context(), gid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50005, "guest store error")
		return
	}
	if blob == "" {
		blob = "{}"
	}
	c.Data(http.StatusOK, "application/json", []byte(blob))
}

func (h *Handler) SaveGuestChats(c *gin.Context) {
	gid, okk := guestIDFromHeader(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10004, "X-Guest-ID required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		common.Fail(c, http.StatusBadRequest, 10005, "body must be valid json")
		return
	}
	if err := h.Redis.SaveGuestChats(c.Request.Context(), gid, string(body)); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50005, "guest store error")
		return
	}
	common.OK(c, gin.H{"saved": true})
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
