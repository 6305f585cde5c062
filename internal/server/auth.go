package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"taskline/internal/auth"
	"taskline/internal/engine"
)

// identityFromRequest returns the verified identity placed by the auth
// middleware.
func identityFromRequest(ctx context.Context) (auth.Identity, error) {
	if id, ok := auth.IdentityFromContext(ctx); ok {
		return id, nil
	}
	return "", auth.ErrNoCredential
}

// actorFor re-checks the verified identity against the path identity and
// returns the actor for engine calls.
func actorFor(ctx context.Context, pathUserID string) (engine.Actor, error) {
	id, err := identityFromRequest(ctx)
	if err != nil {
		return engine.Actor{}, err
	}
	if err := auth.Authorize(id, auth.Identity(pathUserID)); err != nil {
		return engine.Actor{}, err
	}
	return engine.APIActor(id), nil
}

// protected reports whether p needs a credential and, for per-user routes,
// which identity the path names.
func protected(basePath, p string) (bool, string) {
	apiPrefix := path.Join("/", basePath, "api") + "/"
	if p == path.Join("/", basePath, "mcp") {
		return true, ""
	}
	if !strings.HasPrefix(p, apiPrefix) {
		return false, ""
	}
	rest := strings.TrimPrefix(p, apiPrefix)
	segment, _, _ := strings.Cut(rest, "/")
	if segment == "me" || segment == "" {
		return true, ""
	}
	return true, segment
}

func newAuthMiddleware(basePath string, verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			needsAuth, pathUser := protected(basePath, req.URL.Path)
			if !needsAuth {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := auth.BearerToken(req.Header.Get("Authorization"))
			if !ok {
				respondStatusError(w, handleError(auth.ErrNoCredential))
				return
			}
			identity, err := verifier.Verify(token)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			if pathUser != "" {
				if err := auth.Authorize(identity, auth.Identity(pathUser)); err != nil {
					respondStatusError(w, handleError(err))
					return
				}
			}
			next.ServeHTTP(w, req.WithContext(auth.WithIdentity(req.Context(), identity)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
