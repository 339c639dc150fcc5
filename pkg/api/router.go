package api

import (
	"net/http"
	"strings"

	"github.com/trustplane/kernel/pkg/authn"
	"github.com/trustplane/kernel/pkg/kernelerr"
)

// NewRouter wires the Coordinator's endpoints onto a ServeMux. Mutating
// endpoints require an authenticated Principal with the matching role;
// read endpoints are open to any authenticated caller, and /healthz and
// /readyz need no authentication at all.
func NewRouter(h *Handler, tm *authn.TokenManager, corsOrigins []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleHealthz)
	mux.HandleFunc("/v1/audit/verify", h.HandleVerifyChain)

	mux.Handle("/v1/manifests", authn.RequireRole(authn.RoleSubmit)(http.HandlerFunc(h.HandleSubmit)))
	mux.Handle("/v1/manifests/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routeManifestSubresource(h, w, r)
	}))

	handler := authn.RequestIDMiddleware(authn.CORSMiddleware(corsOrigins)(authn.Middleware(tm)(mux)))
	return handler
}

// routeManifestSubresource dispatches /v1/manifests/{id}[/action] onto the
// matching Handler method and role requirement by splitting the path by
// hand rather than with ServeMux wildcard patterns.
func routeManifestSubresource(h *Handler, w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/manifests/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindNotFound, "manifest id required"))
		return
	}

	if len(parts) == 1 {
		h.HandleGetManifest(w, r, id)
		return
	}

	switch parts[1] {
	case "multisig":
		authn.RequireRole(authn.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.HandleRequestMultisig(w, r, id)
		})).ServeHTTP(w, r)
	case "approve":
		authn.RequireRole(authn.RoleApprove)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.HandleApprove(w, r, id)
		})).ServeHTTP(w, r)
	case "apply":
		authn.RequireRole(authn.RoleApply)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.HandleApply(w, r, id)
		})).ServeHTTP(w, r)
	default:
		kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindNotFound, "unknown manifest subresource"))
	}
}
