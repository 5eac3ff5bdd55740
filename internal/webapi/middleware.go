package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/token"
)

// apiHandler is the handler shape every route implements: return a JSON
// body or an error, leaving status-code/error-body rendering to wrap. This
// mirrors the teacher's HandlerWithAuthFunc/httplib.MakeHandler split
// (lib/auth/apiserver.go), reimplemented here because httplib itself is not
// part of this module's dependency surface.
type apiHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// wrap adapts an apiHandler into an httprouter.Handle, writing the returned
// value as a JSON body on success or a structured error body on failure.
func wrap(h apiHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		body, err := h(w, r, p)
		if err != nil {
			writeError(w, err)
			return
		}
		if body == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a trace-wrapped error onto an HTTP status and a small
// JSON error body, the same classification the teacher's httplib.WriteError
// performs over trace.Is* helpers.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case trace.IsNotFound(err):
		status = http.StatusNotFound
	case trace.IsBadParameter(err):
		status = http.StatusBadRequest
	case trace.IsAccessDenied(err):
		status = http.StatusForbidden
	case trace.IsLimitExceeded(err):
		status = http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		status = http.StatusBadGateway
	case trace.IsNotImplemented(err):
		status = http.StatusNotImplemented
	}
	writeJSON(w, status, map[string]string{"error": trace.UserMessage(err)})
}

type claimsKey struct{}

// claimsFromRequest returns the token claims withAuth attached to the
// request context.
func claimsFromRequest(r *http.Request) (*token.Claims, bool) {
	c, ok := r.Context().Value(claimsKey{}).(*token.Claims)
	return c, ok
}

// bearerToken extracts the raw token from an "Authorization: Bearer ..."
// header.
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", trace.AccessDenied("missing bearer token")
	}
	return strings.TrimPrefix(h, prefix), nil
}

// withAuth verifies the request's bearer token against permitted content
// types before dispatching to handler, attaching the parsed claims to the
// request context. Modeled on APIServer.withAuth (lib/auth/apiserver.go),
// replacing the teacher's Authorizer.Authorize call with
// internal/token.Verifier.Verify.
func (s *Server) withAuth(permitted gateway.ContentType, handler apiHandler) httprouter.Handle {
	return wrap(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		raw, err := bearerToken(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		claims, err := s.cfg.Verifier.Verify(raw, permitted)
		if err != nil {
			s.log.WithError(err).Warn("Rejected request: token verification failed.")
			return nil, trace.AccessDenied("token verification failed")
		}
		r = r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims))
		return handler(w, r, p)
	})
}

// withScopeAuth is withAuth restricted to scope tokens, the permission
// class every authenticated route other than POST /jrl and the /jrec routes
// requires (/health and /diagnostics/clock need no token at all).
func (s *Server) withScopeAuth(handler apiHandler) httprouter.Handle {
	return s.withAuth(gateway.ContentTypeScope, handler)
}

// withJrecAuth accepts either a scope token or a jrec token, per spec.md
// section 6's "scope / jrec token" column for the /jrec/* routes.
func (s *Server) withJrecAuth(handler apiHandler) httprouter.Handle {
	return wrap(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		raw, err := bearerToken(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		claims, err := s.cfg.Verifier.Verify(raw, gateway.ContentTypeScope, gateway.ContentTypeJREC)
		if err != nil {
			s.log.WithError(err).Warn("Rejected request: token verification failed.")
			return nil, trace.AccessDenied("token verification failed")
		}
		r = r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims))
		return handler(w, r, p)
	})
}
