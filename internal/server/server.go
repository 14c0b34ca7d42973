// Package server assembles the chi router and HTTP(S) listener: the
// zerolog/hlog middleware chain, correlation-id propagation, the
// unauthenticated health routes, and per-adapter backend routes. Follows
// CrlsMrls-dummybox/server/server.go's New/Start split and TLS branch.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/vast-ai/pyworker/internal/adapter"
	"github.com/vast-ai/pyworker/internal/backend"
	"github.com/vast-ai/pyworker/internal/telemetry"
)

// Route names an Endpoint Adapter to mount as a POST route; the Backend
// passed to New serves every route.
type Route struct {
	Handler adapter.EndpointHandler
}

// Server owns the chi router and the underlying http.Server.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	certFile   string
	keyFile    string
	useTLS     bool
	log        zerolog.Logger
}

// Config is the subset of options Server needs to bind and (optionally)
// TLS-terminate the listener.
type Config struct {
	Addr     string
	UseTLS   bool
	CertFile string
	KeyFile  string
}

// New builds a Server. be dispatches every authenticated route; routes
// lists the Endpoint Adapters to mount. modelHealthCheck, if non-nil, is
// proxied at /healthcheck (spec.md §4 supplemented feature).
func New(cfg Config, be *backend.Backend, routes []Route, tel *telemetry.Telemetry, modelHealthCheck http.Handler, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(
		hlog.NewHandler(log),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}),
		hlog.RemoteAddrHandler("ip"),
		hlog.UserAgentHandler("user_agent"),
		middleware.RequestID,
		CorrelationIDMiddleware,
		middleware.Recoverer,
	)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	if modelHealthCheck != nil {
		r.Get("/healthcheck", modelHealthCheck.ServeHTTP)
	}

	if tel != nil {
		r.Handle("/metrics", promhttp.HandlerFor(tel.Registry, promhttp.HandlerOpts{}))
	}

	for _, route := range routes {
		r.Post("/"+trimLeadingSlash(route.Handler.Endpoint()), be.Handler(route.Handler))
	}

	return &Server{
		router:   r,
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
		useTLS:   cfg.UseTLS,
		log:      log,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 0, // streaming adapters may hold the connection open
			IdleTimeout:  15 * time.Second,
		},
	}
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

// Run starts listening until ctx is cancelled, then shuts down
// gracefully. Matches the errgroup-managed-worker shape the rest of the
// process's background tasks use, rather than dummybox's signal.Notify
// loop, since shutdown here is driven by the shared process context.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.useTLS {
			s.log.Info().Str("cert", s.certFile).Msg("serving HTTPS")
			err = s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.log.Info().Msg("serving HTTP")
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server: listen failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}
