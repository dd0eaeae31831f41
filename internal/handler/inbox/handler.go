package inbox

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/whisper/backend/internal/handler/apierr"
	"github.com/zhouzirui/whisper/backend/internal/middleware"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	inboxservice "github.com/zhouzirui/whisper/backend/internal/service/inbox"
	"github.com/zhouzirui/whisper/backend/pkg/utils"
)

// Handler serves the authenticated holder's inbox. Routes must be mounted
// behind middleware.HolderAuth.
type Handler struct {
	inboxSvc *inboxservice.Service
}

// New 创建收件箱处理器
func New(inboxSvc *inboxservice.Service) *Handler {
	return &Handler{inboxSvc: inboxSvc}
}

// RegisterRoutes 注册收件箱相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/inbox", h.handleList)
	r.Get("/inbox/stats", h.handleStats)
	r.Post("/inbox/{messageID}/moderation", h.handleModerate)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.HolderFrom(r.Context())

	filter, ok := inbox.ParseFilter(r.URL.Query().Get("type"))
	if !ok {
		utils.RespondErrorCode(w, http.StatusBadRequest, "validation", "type must be all, anonymous or fan")
		return
	}

	messages, err := h.inboxSvc.List(r.Context(), owner.ID, filter)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.HolderFrom(r.Context())
	utils.RespondJSON(w, http.StatusOK, h.inboxSvc.Stats(r.Context(), owner.ID))
}

// handleModerate 接受或拒绝粉丝消息
func (h *Handler) handleModerate(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.HolderFrom(r.Context())

	var payload struct {
		Decision string `json:"decision"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	message, err := h.inboxSvc.Moderate(r.Context(), owner.ID, chi.URLParam(r, "messageID"), inboxservice.Decision(payload.Decision))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, message)
}
