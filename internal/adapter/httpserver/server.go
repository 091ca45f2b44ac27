// Package httpserver is the HTTP edge of the platform: request
// envelopes, token and role gates, input sanitation, and the handlers
// for generation, quizzes, the social graph and notifications.
// Handlers validate and translate; behavior lives in the usecases.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/quizdom-app/backend/internal/adapter/httpserver/auth"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/usecase"
)

// Server bundles the dependencies the route handlers need. The quiz
// and social binaries populate only the services they serve; the
// routers mount only the matching handlers.
type Server struct {
	Cfg      config.Config
	Verifier *auth.Verifier

	Generate usecase.GenerateService
	Doubt    usecase.DoubtService
	Quizzes  usecase.QuizService
	Social   usecase.SocialService
	Notifs   usecase.NotificationService

	// Probes backs /readyz. Nil reduces readiness to liveness.
	Probes func(ctx domain.Context) []usecase.ReadinessCheck
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler runs the dependency probes and reports 503 until all
// of them pass.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Probes == nil {
			writeData(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		checks := s.Probes(ctx)
		ready := true
		for _, c := range checks {
			if !c.OK {
				ready = false
				break
			}
		}
		body := map[string]any{"checks": checks}
		if !ready {
			writeFailData(w, http.StatusServiceUnavailable, "not ready", body)
			return
		}
		writeData(w, http.StatusOK, body)
	}
}

// requireClaims fetches the verified claims. The auth middleware makes
// absence impossible on mounted routes; the guard covers misuse.
func requireClaims(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeFail(w, http.StatusUnauthorized, "authentication required")
		return auth.Claims{}, false
	}
	return claims, true
}
