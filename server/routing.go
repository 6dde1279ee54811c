package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teranos/drover/agent/remote"
	"github.com/teranos/drover/logger"
)

type userKey struct{}

// Handler returns the HTTP routes of the daemon
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.identify)

	// Agents authenticate by uuid and approval, not by token
	r.Handle(remote.Path, s.gateway)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.HandleHealth)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.HandleAgents)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/{uuid}/enable", s.HandleAgentEnable)
				r.Post("/{uuid}/deny", s.HandleAgentDeny)
				r.Post("/{uuid}/cancel", s.HandleAgentCancel)
				r.Post("/{uuid}/kill", s.HandleAgentKill)
				r.Delete("/{uuid}", s.HandleAgentDelete)
			})
		})

		r.Route("/materials", func(r chi.Router) {
			r.Get("/", s.HandleMaterials)
			r.Get("/in-progress", s.HandleInProgress)
			r.Get("/backoff", s.HandleBackoff)
			// Post-commit hooks answer 403 themselves, with the hook message
			r.Post("/notify/{type}", s.HandleNotify)
			r.With(s.requireAdmin).Post("/{fingerprint}/update", s.HandleMaterialUpdate)
		})

		r.Get("/pipelines/{pipeline}/runs", s.HandlePipelineRuns)
		r.With(s.requireAdmin).Post("/pipelines/{pipeline}/runs", s.HandlePipelineRunAdd)
		r.With(s.requireAdmin).Put("/maintenance", s.HandleMaintenance)
	})
	return r
}

// requestLogger logs each request at debug level
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logger.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.log.Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldRequestID, middleware.GetReqID(r.Context()))
	})
}

// identify resolves the bearer token to a user
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := s.userFor(r.Header.Get("Authorization")); user != "" {
			r = r.WithContext(context.WithValue(r.Context(), userKey{}, user))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) userFor(authorization string) string {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	want, _ := s.adminToken.Load().(string)
	if !ok || want == "" {
		return ""
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
		return adminUser
	}
	return ""
}

func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

// requireAdmin rejects requests without the admin token
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r.Context()) != adminUser {
			writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
