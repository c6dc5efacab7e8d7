// Package server exposes the orchestrator over HTTP: the JSON API, the SSE
// stream endpoint and the GitHub webhook receiver.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"opd/internal/bus"
	"opd/internal/capability"
	"opd/internal/engine"
	"opd/internal/store"
	"opd/internal/workspace"
)

// Server holds the wired dependencies of every handler.
type Server struct {
	engine        *engine.Engine
	store         *store.Store
	registry      *capability.Registry
	ws            *workspace.Manager
	bus           *bus.Bus
	webhookSecret string
	logger        *zap.Logger
}

// Options carries optional server settings.
type Options struct {
	WebhookSecret string
}

// New wires a server.
func New(eng *engine.Engine, st *store.Store, reg *capability.Registry, ws *workspace.Manager, b *bus.Bus, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:        eng,
		store:         st,
		registry:      reg,
		ws:            ws,
		bus:           b,
		webhookSecret: opts.WebhookSecret,
		logger:        logger.Named("server"),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", s.handleCreateProject)
			r.Get("/", s.handleListProjects)
			r.Post("/verify-repo", s.handleVerifyRepo)
			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Put("/", s.handleUpdateProject)
				r.Delete("/", s.handleDeleteProject)
				r.Post("/init-workspace", s.handleInitWorkspace)
				r.Get("/workspace-status", s.handleWorkspaceStatus)
				r.Get("/capabilities", s.handleListProjectCapabilities)
				r.Get("/capabilities/{category}", s.handleGetProjectCapability)
				r.Put("/capabilities/{category}", s.handlePutProjectCapability)
				r.Post("/stories", s.handleCreateStory)
				r.Get("/stories", s.handleListStories)
			})
		})

		r.Route("/settings/capabilities", func(r chi.Router) {
			r.Get("/", s.handleListCapabilities)
			r.Get("/{category}", s.handleGetCapability)
			r.Put("/{category}", s.handlePutCapability)
			r.Post("/{category}/test", s.handleTestCapability)
		})

		r.Route("/stories/{storyID}", func(r chi.Router) {
			r.Get("/", s.handleGetStory)
			r.Get("/messages", s.handleStoryMessages)
			r.Get("/task-status", s.handleTaskStatus)
			r.Get("/stream", s.handleStream)
			r.Post("/confirm", s.handleConfirmStage)
			r.Post("/reject", s.handleRejectStage)
			r.Post("/rollback", s.handleRollback)
			r.Post("/chat", s.handleChat)
			r.Post("/answer", s.handleAnswer)
			r.Put("/docs/{filename}", s.handleUpdateDoc)
			r.Post("/stop", s.handleStop)
			r.Post("/iterate", s.handleIterate)
			r.Post("/restart", s.handleRestart)
			r.Post("/close", s.handleCloseStory)
		})

		r.Post("/webhooks/github", s.handleGitHubWebhook)
	})
	return r
}
