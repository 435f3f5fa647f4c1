package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"syphon-executor/internal/strategy"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Admission decides whether a submission may enter the store.
type Admission interface {
	Verify(ctx context.Context, sub strategy.Submission) bool
}

type Store interface {
	Create(ctx context.Context, s *strategy.Strategy) error
	GetByID(ctx context.Context, id string) (strategy.Strategy, error)
}

type Options struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	JWTSecret       string
	Store           Store
	Admission       Admission
	Ready           func(ctx context.Context) error
	Metrics         http.Handler
	MetricsPath     string
	Log             *zap.Logger
}

// Server is the intake HTTP API.
type Server struct {
	opts   Options
	log    *zap.Logger
	router chi.Router
	now    func() time.Time
}

func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{opts: opts, log: opts.Log, now: time.Now}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/livez", s.livez)
	r.Get("/readyz", s.readyz)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, s.opts.MetricsPath, s.opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth([]byte(s.opts.JWTSecret)))
		r.Post("/createStrategy", s.createStrategy)
		r.Post("/strategies", s.createStrategy)
		r.Get("/strategies/{id}", s.getStrategy)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Address,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("intake api listening", zap.String("addr", s.opts.Address))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("intake api stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
