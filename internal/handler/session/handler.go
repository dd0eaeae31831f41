// Package session serves the fan side of a chat: token verification,
// sending and live delivery. Every request re-verifies the bearer token.
package session

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/whisper/backend/internal/handler/apierr"
	"github.com/zhouzirui/whisper/backend/internal/handler/stream"
	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	chatService "github.com/zhouzirui/whisper/backend/internal/service/chat"
	sessionService "github.com/zhouzirui/whisper/backend/internal/service/session"
	"github.com/zhouzirui/whisper/backend/pkg/utils"
)

// Handler 粉丝会话的HTTP处理器
type Handler struct {
	verifier *sessionService.Verifier
	chatSvc  *chatService.Service
	ws       *stream.WebSocket
}

// New 创建粉丝会话处理器
func New(verifier *sessionService.Verifier, chatSvc *chatService.Service) *Handler {
	return &Handler{
		verifier: verifier,
		chatSvc:  chatSvc,
		ws:       stream.NewWebSocket(),
	}
}

// RegisterRoutes 注册粉丝会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions/verify", h.handleVerify)
	r.Get("/sessions/history", h.handleHistory)
	r.Post("/sessions/messages", h.handleSend)
	r.Get("/sessions/stream", h.handleStream)
	r.Get("/sessions/ws", h.handleWebSocket)
}

// VerifyResponse is returned when a token opens a session.
type VerifyResponse struct {
	Session  chat.Session   `json:"session"`
	Messages []chat.Message `json:"messages"`
}

// handleVerify 校验会话令牌并返回会话与历史消息
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Token      string `json:"token"`
		ReceiverID string `json:"receiverId"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	sess, err := h.verifier.Verify(r.Context(), clientKey(r), payload.Token, payload.ReceiverID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	history, err := h.chatSvc.History(r.Context(), sess.MessageID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, VerifyResponse{Session: sess, Messages: history})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticate(w, r, r.URL.Query().Get("receiverId"))
	if !ok {
		return
	}
	history, err := h.chatSvc.History(r.Context(), sess.MessageID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": history})
}

// handleSend 保存粉丝发送的消息
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ReceiverID string `json:"receiverId"`
		Content    string `json:"content"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	sess, ok := h.authenticate(w, r, payload.ReceiverID)
	if !ok {
		return
	}
	message, err := h.chatSvc.SendAsFan(r.Context(), sess, payload.Content)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, message)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticate(w, r, r.URL.Query().Get("receiverId"))
	if !ok {
		return
	}
	sub, err := h.chatSvc.SubscribeAsFan(r.Context(), sess)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	stream.ServeSSE(w, r, sess.MessageID, sub)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticate(w, r, r.URL.Query().Get("receiverId"))
	if !ok {
		return
	}
	sub, err := h.chatSvc.SubscribeAsFan(r.Context(), sess)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	h.ws.Serve(w, r, sess.MessageID, sub, func(ctx context.Context, content string) (chat.Message, error) {
		return h.chatSvc.SendAsFan(ctx, sess, content)
	})
}

// authenticate verifies the bearer token for receiverID and writes the
// error response itself when it returns false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, receiverID string) (chat.Session, bool) {
	token := bearerToken(r)
	if token == "" {
		utils.RespondErrorCode(w, http.StatusUnauthorized, "unauthenticated", "session token required")
		return chat.Session{}, false
	}
	sess, err := h.verifier.Verify(r.Context(), clientKey(r), token, receiverID)
	if err != nil {
		apierr.Write(w, err)
		return chat.Session{}, false
	}
	return sess, true
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for EventSource and websocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// clientKey identifies the caller for verification throttling. RemoteAddr
// is the socket peer unless a trusted proxy forwarded the request.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
