package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wingetd/internal/core"
	"wingetd/internal/store"
)

// TaskEngine is the subset of *core.Engine the HTTP API uses.
type TaskEngine interface {
	Submit(spec core.CommandSpec) (*core.Task, error)
	Validate(spec core.CommandSpec) error
	Cancel(id string) error
	Active() []core.TaskInfo
	Subscribe(buffer int) (<-chan core.StreamEvent, func())
	Query(ctx context.Context, req core.QueryRequest) (string, error)
	ReadSettings(ctx context.Context) (core.SettingsState, error)
	EnableSetting(ctx context.Context, name string) (string, error)
}

// Options configures the HTTP server.
type Options struct {
	Addr      string
	AuthToken string
	// EventBuffer is the buffer of each SSE subscriber.
	EventBuffer int
	Location    *time.Location
}

// Server holds the HTTP server state.
type Server struct {
	httpServer  *http.Server
	router      *chi.Mux
	engine      TaskEngine
	store       *store.Store
	scheduler   *core.Scheduler
	mcpHandler  http.Handler
	logger      *slog.Logger
	location    *time.Location
	authToken   string
	eventBuffer int
}

// NewServer constructs the HTTP API server. mcpHandler may be nil.
func NewServer(opts Options, engine TaskEngine, store *store.Store, scheduler *core.Scheduler, mcpHandler http.Handler, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	s := &Server{
		router:      router,
		engine:      engine,
		store:       store,
		scheduler:   scheduler,
		mcpHandler:  mcpHandler,
		logger:      logger,
		location:    opts.Location,
		authToken:   opts.AuthToken,
		eventBuffer: opts.EventBuffer,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:        opts.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// SSE responses stay open for as long as the client listens.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.mcpHandler != nil {
		var mcpHandler = s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/events", s.handleEvents)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleSubmitTask)
			r.Delete("/{taskID}", s.handleCancelTask)
		})

		r.Get("/query/{kind}", s.handleQuery)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleSettings)
			r.Post("/{name}/enable", s.handleEnableSetting)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)

			r.Route("/{scheduleID}", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Patch("/", s.handleUpdateSchedule)
				r.Delete("/", s.handleDeleteSchedule)
				r.Post("/run", s.handleRunSchedule)
			})
		})
	})
}
