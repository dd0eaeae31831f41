package profile

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/whisper/backend/internal/handler/apierr"
	"github.com/zhouzirui/whisper/backend/internal/model/holder"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	inboxservice "github.com/zhouzirui/whisper/backend/internal/service/inbox"
	"github.com/zhouzirui/whisper/backend/pkg/utils"
)

// Handler 公开主页的HTTP处理器
type Handler struct {
	holders  holder.Directory
	inboxSvc *inboxservice.Service
}

// New 创建公开主页处理器
func New(holders holder.Directory, inboxSvc *inboxservice.Service) *Handler {
	return &Handler{
		holders:  holders,
		inboxSvc: inboxSvc,
	}
}

// RegisterRoutes 注册公开主页相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/profiles/{username}", h.handleGetProfile)
	r.Post("/profiles/{username}/messages", h.handleSendMessage)
}

// ProfileResponse is the public page of a holder with its inbox counters.
type ProfileResponse struct {
	holder.Holder
	Stats inbox.Stats `json:"stats"`
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.holders.FindByUsername(chi.URLParam(r, "username"))
	if !ok {
		utils.RespondErrorCode(w, http.StatusNotFound, "not_found", "profile not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, ProfileResponse{
		Holder: profile,
		Stats:  h.inboxSvc.Stats(r.Context(), profile.ID),
	})
}

// handleSendMessage 向主页主人发送匿名消息或粉丝消息
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.holders.FindByUsername(chi.URLParam(r, "username"))
	if !ok {
		utils.RespondErrorCode(w, http.StatusNotFound, "not_found", "profile not found")
		return
	}

	var payload struct {
		Content     string `json:"content"`
		MessageType string `json:"messageType"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if payload.MessageType == "" {
		payload.MessageType = string(inbox.TypeAnonymous)
	}

	result, err := h.inboxSvc.Send(r.Context(), profile.ID, payload.Content, inbox.MessageType(payload.MessageType))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, result)
}
