// Package stream pushes live chat subscriptions to clients over
// Server-Sent Events or websockets.
package stream

import (
	"log"
	"net/http"
	"time"

	chatservice "github.com/zhouzirui/whisper/backend/internal/service/chat"
	"github.com/zhouzirui/whisper/backend/pkg/utils"
)

// HeartbeatInterval keeps idle SSE connections open through proxies.
var HeartbeatInterval = 15 * time.Second

// Ready is the first event on every stream.
type Ready struct {
	MessageID string `json:"messageId"`
}

// ServeSSE streams sub as "message" events until the client disconnects or
// the subscription ends. It takes ownership of sub.
func ServeSSE(w http.ResponseWriter, r *http.Request, messageID string, sub *chatservice.Subscription) {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log.Printf("[sse] opening chat stream for message=%s", messageID)
	defer log.Printf("[sse] closing chat stream for message=%s", messageID)

	if err := utils.SendSSEEvent(w, flusher, "", "ready", Ready{MessageID: messageID}); err != nil {
		return
	}

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		case m, ok := <-sub.C:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, m.ID, "message", m); err != nil {
				log.Printf("[sse] write failed for message=%s: %v", messageID, err)
				return
			}
		}
	}
}
