package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/zhouzirui/whisper/backend/internal/model/holder"
	"github.com/zhouzirui/whisper/backend/pkg/utils"
)

// HolderHeader carries the holder id asserted by the upstream identity
// gateway.
const HolderHeader = "X-Holder-ID"

type holderKey struct{}

// HolderAuth admits requests whose asserted holder exists in the directory
// and stores the holder in the request context.
func HolderAuth(holders holder.Directory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(HolderHeader))
			if id == "" {
				utils.RespondErrorCode(w, http.StatusUnauthorized, "unauthenticated", "holder identity required")
				return
			}
			h, ok := holders.FindByID(id)
			if !ok {
				utils.RespondErrorCode(w, http.StatusForbidden, "forbidden", "unknown holder")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithHolder(r.Context(), h)))
		})
	}
}

// WithHolder returns ctx carrying h.
func WithHolder(ctx context.Context, h holder.Holder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

// HolderFrom returns the authenticated holder, if any.
func HolderFrom(ctx context.Context) (holder.Holder, bool) {
	h, ok := ctx.Value(holderKey{}).(holder.Holder)
	return h, ok
}
