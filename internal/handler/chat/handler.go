package chat

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/whisper/backend/internal/handler/apierr"
	"github.com/zhouzirui/whisper/backend/internal/handler/stream"
	"github.com/zhouzirui/whisper/backend/internal/middleware"
	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	chatService "github.com/zhouzirui/whisper/backend/internal/service/chat"
	"github.com/zhouzirui/whisper/backend/pkg/utils"
)

// Handler 主页主人一侧的聊天HTTP处理器，需挂载在 HolderAuth 之后
type Handler struct {
	chatSvc *chatService.Service
	ws      *stream.WebSocket
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		ws:      stream.NewWebSocket(),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/inbox/{messageID}/chat", h.handleHistory)
	r.Post("/inbox/{messageID}/chat", h.handleSend)
	r.Get("/inbox/{messageID}/stream", h.handleStream)
	r.Get("/inbox/{messageID}/ws", h.handleWebSocket)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.HolderFrom(r.Context())

	history, err := h.chatSvc.HolderHistory(r.Context(), owner.ID, chi.URLParam(r, "messageID"))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": history})
}

// handleSend 保存主页主人的回复
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.HolderFrom(r.Context())

	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	message, err := h.chatSvc.SendAsHolder(r.Context(), owner.ID, chi.URLParam(r, "messageID"), payload.Content)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, message)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	sub, ok := h.subscribe(w, r, messageID)
	if !ok {
		return
	}
	stream.ServeSSE(w, r, messageID, sub)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.HolderFrom(r.Context())
	messageID := chi.URLParam(r, "messageID")

	sub, ok := h.subscribe(w, r, messageID)
	if !ok {
		return
	}
	h.ws.Serve(w, r, messageID, sub, func(ctx context.Context, content string) (chat.Message, error) {
		return h.chatSvc.SendAsHolder(ctx, owner.ID, messageID, content)
	})
}

// subscribe writes the error response itself when it returns false.
func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request, messageID string) (*chatService.Subscription, bool) {
	owner, _ := middleware.HolderFrom(r.Context())

	if err := h.chatSvc.CheckOwner(r.Context(), owner.ID, messageID); err != nil {
		apierr.Write(w, err)
		return nil, false
	}
	sub, err := h.chatSvc.Subscribe(r.Context(), messageID)
	if err != nil {
		apierr.Write(w, err)
		return nil, false
	}
	return sub, true
}
