// Package app assembles the HTTP edges and the background loops the
// binaries share: routers, readiness probes, and the periodic
// trending sweep.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quizdom-app/backend/internal/adapter/httpserver"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/service/ratelimiter"
)

const rateWindow = 15 * time.Minute

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// mountBase installs the shared middleware chain and the operational
// endpoints every service exposes.
func mountBase(r chi.Router, cfg config.Config, srv *httpserver.Server) {
	r.Use(httpserver.Recoverer)
	r.Use(httpserver.RequestID)
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(httpserver.TraceMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httpserver.BodyLimit(cfg.MaxUploadBytes()))
	r.Use(httpserver.SanitizeBody)
	r.Use(httpserver.AccessLog)
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
}

// BuildQuizRouter wires the generation engine edge: generation intake
// and polling, the synchronous doubt solver, and quiz CRUD, everything
// behind token auth. AI-bound submissions sit behind the heavy per-IP
// budget; the rest shares the failed-only general limiter.
func BuildQuizRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	mountBase(r, cfg, srv)

	general := ratelimiter.NewFailedWindowLimiter(cfg.RateGeneralPer15Min, rateWindow)

	r.Route("/api", func(api chi.Router) {
		api.Use(httpserver.FailedOnlyLimit(general))
		api.Use(httpserver.RequireAuth(srv.Verifier))

		api.Group(func(heavy chi.Router) {
			heavy.Use(httprate.LimitByIP(cfg.RateHeavyPer15Min, rateWindow))
			heavy.With(httpserver.RequireRole(domain.RoleTeacher, domain.RoleModerator, domain.RoleAdmin)).
				Post("/generate/topic", srv.GenerateTopicHandler())
			heavy.With(httpserver.RequireRole(domain.RoleTeacher, domain.RoleModerator, domain.RoleAdmin)).
				Post("/generate/file", srv.GenerateFileHandler())
			heavy.Post("/doubt/solve", srv.DoubtSolveHandler())
		})
		api.Get("/generate/status/{jobID}", srv.GenerateStatusHandler())
		api.Get("/generate/limits", srv.GenerateLimitsHandler())

		api.Post("/quizzes", srv.QuizCreateHandler())
		api.Get("/quizzes", srv.QuizListHandler())
		api.Get("/quizzes/{quizID}", srv.QuizGetHandler())
		api.Put("/quizzes/{quizID}", srv.QuizUpdateHandler())
		api.Delete("/quizzes/{quizID}", srv.QuizDeleteHandler())
	})

	return httpserver.SecurityHeaders(r)
}

// BuildSocialRouter wires the social plane edge: posts, feeds,
// follows, notifications, the event ingress and the websocket
// gateway. The gateway upgrade carries the strict per-IP budget since
// each session needs exactly one.
func BuildSocialRouter(cfg config.Config, srv *httpserver.Server, gateway http.Handler) http.Handler {
	r := chi.NewRouter()
	mountBase(r, cfg, srv)

	general := ratelimiter.NewFailedWindowLimiter(cfg.RateGeneralPer15Min, rateWindow)

	r.Route("/api", func(api chi.Router) {
		api.Use(httpserver.FailedOnlyLimit(general))
		api.Use(httpserver.RequireAuth(srv.Verifier))

		api.Route("/posts", func(p chi.Router) {
			p.Post("/create", srv.PostCreateHandler())
			p.Get("/feed/{userID}", srv.FeedHandler())
			p.Get("/trending/posts", srv.TrendingHandler())
			p.Get("/{postID}", srv.PostGetHandler())
			p.Delete("/{postID}", srv.PostDeleteHandler())
			p.Post("/{postID}/like", srv.PostLikeHandler())
			p.Delete("/{postID}/like", srv.PostUnlikeHandler())
			p.Post("/{postID}/share", srv.PostShareHandler())
			p.Post("/{postID}/comments", srv.CommentCreateHandler())
			p.Get("/{postID}/comments", srv.CommentsListHandler())
		})

		api.Route("/follows", func(f chi.Router) {
			f.Post("/follow", srv.FollowHandler())
			f.Delete("/follow", srv.UnfollowHandler())
			f.Get("/stats/{userID}", srv.FollowStatsHandler())
			f.Get("/check/{followerID}/{followingID}", srv.FollowCheckHandler())
		})

		api.Route("/notifications", func(n chi.Router) {
			n.Get("/", srv.NotificationsListHandler())
			n.Put("/read-all", srv.NotificationsReadAllHandler())
			n.Put("/{notificationID}/read", srv.NotificationReadHandler())
		})

		api.Route("/events", func(ev chi.Router) {
			ev.Post("/achievement-unlocked", srv.AchievementEventHandler())
			ev.Post("/level-up", srv.LevelUpEventHandler())
			ev.Post("/streak-milestone", srv.StreakEventHandler())
		})
	})

	if gateway != nil {
		r.Group(func(ws chi.Router) {
			ws.Use(httprate.LimitByIP(cfg.RateAuthPer15Min, rateWindow))
			ws.Use(httpserver.RequireAuth(srv.Verifier))
			ws.Handle("/ws", gateway)
		})
	}

	return httpserver.SecurityHeaders(r)
}
