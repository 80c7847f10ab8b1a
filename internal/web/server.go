package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"boorubot/internal/config"
	"boorubot/internal/hub"
	"boorubot/internal/sentlog"
	"boorubot/internal/settings"
	"boorubot/pkg/logx"
)

// Poster is the slice of the posting service the API needs.
type Poster interface {
	PostNow(tags []string)
	NextRun() time.Time
}

// Deps carries the collaborators the server exposes over HTTP.
type Deps struct {
	Hub      *hub.Hub
	Poster   Poster
	Settings *settings.Store
	Sent     sentlog.Store
}

// Server hosts the control API and WebSocket feed.
type Server struct {
	deps Deps
	log  logx.Logger

	mu  sync.RWMutex
	cfg config.WebConfig
	ttl time.Duration

	httpSrv  *http.Server
	loginLim *rate.Limiter

	stopOnce sync.Once
	done     chan struct{}
}

func New(cfg config.WebConfig, deps Deps, log logx.Logger) *Server {
	ttl, _ := config.ParseDurationOrDefault("web.session_ttl", cfg.SessionTTL, 24*time.Hour)
	s := &Server{
		deps: deps,
		log:  log.With(logx.String("comp", "web")),
		cfg:  cfg,
		ttl:  ttl,
		// Brute-force guard on the login endpoint.
		loginLim: rate.NewLimiter(rate.Every(time.Second), 5),
		done:     make(chan struct{}),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.sessionMiddleware)

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)

	r.Route("/api", func(r chi.Router) {
		r.With(s.requireRole(RoleViewer)).Get("/status", s.handleStatus)
		r.With(s.requireRole(RoleViewer)).Get("/images", s.handleImages)
		r.With(s.requireRole(RoleViewer)).Get("/settings", s.handleGetSettings)
		r.With(s.requireRole(RoleAdmin)).Post("/settings", s.handleUpdateSettings)
		r.With(s.requireRole(RoleAdmin)).Post("/post-now", s.handlePostNow)
	})

	r.With(s.requireRole(RoleViewer)).Get("/ws", s.handleWS)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if s.cfg.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Use(s.requireRole(RoleAdmin))
			r.Get("/", pprof.Index)
			r.Get("/cmdline", pprof.Cmdline)
			r.Get("/profile", pprof.Profile)
			r.Get("/symbol", pprof.Symbol)
			r.Get("/trace", pprof.Trace)
			r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
			})
		})
	}
	return r
}

// Start begins serving. It returns once the listener is running; serve
// errors after that are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("web server starting", logx.String("listen", s.httpSrv.Addr))
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("web server panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-time.After(200 * time.Millisecond):
		go func() {
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("web server stopped", logx.Err(err))
			}
		}()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the server down gracefully within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.httpSrv.Shutdown(ctx)
	})
	return err
}

// Apply swaps in reloaded credentials and session settings. Routes and the
// listen address are fixed for the process lifetime.
func (s *Server) Apply(cfg config.WebConfig) {
	ttl, _ := config.ParseDurationOrDefault("web.session_ttl", cfg.SessionTTL, 24*time.Hour)
	s.mu.Lock()
	s.cfg = cfg
	s.ttl = ttl
	s.mu.Unlock()
}

func (s *Server) webCfg() config.WebConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) secret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.SessionSecret
}

func (s *Server) sessionTTL() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ttl
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())))
				writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
