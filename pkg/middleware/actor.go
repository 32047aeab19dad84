package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/iota-uz/regflow/pkg/composables"
)

const (
	ActorIDHeader    = "X-Actor-ID"
	ActorRolesHeader = "X-Actor-Roles"
)

// WithActor reads the caller identity set by the authenticating proxy.
// Requests without an actor pass through; handlers that need one reject them.
func WithActor() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(ActorIDHeader))
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			var roles []string
			for _, role := range strings.Split(r.Header.Get(ActorRolesHeader), ",") {
				if role = strings.TrimSpace(role); role != "" {
					roles = append(roles, role)
				}
			}
			actor := composables.Actor{ID: id, Roles: roles}
			ctx := composables.WithActor(r.Context(), actor)
			ctx = composables.WithLogger(ctx, composables.UseLogger(ctx).WithField("actor", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
