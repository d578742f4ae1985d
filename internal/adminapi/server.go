package adminapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"taskd/internal/module"
	"taskd/internal/notify"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

// Scheduler is the subset of *scheduler.Service the API drives.
type Scheduler interface {
	ListTasks(ctx context.Context) ([]scheduler.TaskInfo, error)
	SaveTask(ctx context.Context, d *task.Descriptor) error
	DeleteTasks(ctx context.Context, ids ...int64) (storage.DeleteResult, error)
	RunSingleTask(ctx context.Context, id int64, params map[string]string) (*scheduler.Run, error)
	RequestCancellation(id int64) bool
	RunningTasks(ctx context.Context) ([]scheduler.RunningTask, error)
	History(ctx context.Context, id int64, limit int) ([]task.ExecutionInfo, error)
	PreviewSchedule(expr string, max int) (scheduler.Preview, error)
	Snapshot() scheduler.Snapshot
}

type Config struct {
	Addr         string
	Token        string
	RunNowWait   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Profiling mounts net/http/pprof under /debug/pprof (behind the token).
	Profiling bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8089"
	}
	if c.RunNowWait <= 0 {
		c.RunNowWait = 200 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

type Option func(*Server)

// WithModules exposes module states on /api/modules.
func WithModules(fn func() []module.Status) Option { return func(s *Server) { s.modules = fn } }

// WithNotifications exposes notifier history on /api/notifications.
func WithNotifications(fn func() []notify.HistoryItem) Option {
	return func(s *Server) { s.notifications = fn }
}

type Server struct {
	cfg   Config
	log   logx.Logger
	sched Scheduler
	valid *validator.Validate

	modules       func() []module.Status
	notifications func() []notify.HistoryItem

	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, sched Scheduler, log logx.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "adminapi")),
		sched: sched,
		valid: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.createTask)
		r.Delete("/tasks", s.deleteTasks)
		r.Get("/tasks/running", s.runningTasks)
		r.Put("/tasks/{id}", s.updateTask)
		r.Post("/tasks/{id}/run", s.runTask)
		r.Post("/tasks/{id}/cancel", s.cancelTask)
		r.Get("/tasks/{id}/history", s.history)
		r.Get("/schedules/preview", s.preview)
		r.Get("/modules", s.listModules)
		r.Get("/status", s.status)
		r.Get("/notifications", s.listNotifications)
	})

	if s.cfg.Profiling {
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

// Start listens on cfg.Addr and serves in the background. The returned channel
// receives the serve error, if any, and is closed when serving stops.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	s.log.Info("admin api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.Token != ""))
	return errc, nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
