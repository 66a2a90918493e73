// Package authz decides whether a restricted view may render for the
// current session. The decision itself is a pure function; Require wraps
// it as chi middleware so it is re-evaluated on every request rather than
// checked once.
package authz

import (
	"net/http"

	"github.com/itike/itike-web/internal/model"
	"github.com/itike/itike-web/internal/session"
)

// Decision is the outcome of evaluating the gate.
type Decision int

const (
	// DecisionDefer: the session is still initializing; show a loading
	// placeholder and make no redirect decision yet.
	DecisionDefer Decision = iota
	// DecisionLogin: no identity; send the visitor to the login view.
	DecisionLogin
	// DecisionUnauthorized: authenticated but the role is not permitted.
	DecisionUnauthorized
	// DecisionAllow: render the protected view.
	DecisionAllow
)

// Decide evaluates the gate for a session phase, identity and required
// role set. An empty role set means any authenticated identity passes.
func Decide(phase session.Phase, identity *model.User, allowed []model.Role) Decision {
	if phase == session.PhaseInitializing {
		return DecisionDefer
	}
	if identity == nil {
		return DecisionLogin
	}
	if len(allowed) > 0 {
		for _, role := range allowed {
			if identity.Role == role {
				return DecisionAllow
			}
		}
		return DecisionUnauthorized
	}
	return DecisionAllow
}

// Require guards a route subtree with the gate. The session Manager must
// already be attached to the request context.
func Require(allowed ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := session.FromContext(r.Context())
			if m == nil {
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			switch Decide(m.Phase(), m.Identity(), allowed) {
			case DecisionDefer:
				// The identity lookup is still in flight; ask the
				// browser to come back rather than deciding now.
				w.Header().Set("Refresh", "1")
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("<!doctype html><title>Loading</title><p>Loading your session…</p>"))
			case DecisionLogin:
				http.Redirect(w, r, "/login", http.StatusSeeOther)
			case DecisionUnauthorized:
				http.Redirect(w, r, "/unauthorized", http.StatusSeeOther)
			case DecisionAllow:
				next.ServeHTTP(w, r)
			}
		})
	}
}
