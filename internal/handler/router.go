package handler

import (
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/whisper/backend/internal/handler/chat"
	"github.com/zhouzirui/whisper/backend/internal/handler/inbox"
	"github.com/zhouzirui/whisper/backend/internal/handler/profile"
	"github.com/zhouzirui/whisper/backend/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/whisper/backend/internal/middleware"
	"github.com/zhouzirui/whisper/backend/internal/model/holder"
	chatService "github.com/zhouzirui/whisper/backend/internal/service/chat"
	inboxService "github.com/zhouzirui/whisper/backend/internal/service/inbox"
	sessionService "github.com/zhouzirui/whisper/backend/internal/service/session"
	"github.com/zhouzirui/whisper/backend/pkg/utils"
)

// Services bundles what the router needs.
type Services struct {
	Holders  holder.Directory
	Inbox    *inboxService.Service
	Verifier *sessionService.Verifier
	Chat     *chatService.Service

	// TrustedProxies may set the client address through forwarding
	// headers; verification throttling keys on that address.
	TrustedProxies []netip.Prefix
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middlewarePkg.TrustedRealIP(svc.TrustedProxies))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	profileHandler := profile.New(svc.Holders, svc.Inbox)
	sessionHandler := session.New(svc.Verifier, svc.Chat)
	inboxHandler := inbox.New(svc.Inbox)
	chatHandler := chat.New(svc.Chat)

	r.Route("/api", func(api chi.Router) {
		// Public: visitors and fans holding a session token.
		profileHandler.RegisterRoutes(api)
		sessionHandler.RegisterRoutes(api)

		// Holder-only routes.
		api.Group(func(holderAPI chi.Router) {
			holderAPI.Use(middlewarePkg.HolderAuth(svc.Holders))
			inboxHandler.RegisterRoutes(holderAPI)
			chatHandler.RegisterRoutes(holderAPI)
		})
	})

	return r
}
