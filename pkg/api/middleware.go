package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cuemby/pairpilot/pkg/identity"
	"github.com/cuemby/pairpilot/pkg/metrics"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/gorilla/mux"
)

type ctxKey struct{}

// Anonymous is the caller identity when the server runs without auth
var Anonymous = types.Identity{ID: "anonymous", DisplayName: "anonymous"}

func caller(ctx context.Context) types.Identity {
	if id, ok := ctx.Value(ctxKey{}).(types.Identity); ok {
		return id
	}
	return Anonymous
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		token, err := identity.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id, err := s.auth.Resolve(r.Context(), token)
		if err != nil {
			s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("Request served")
	})
}
