package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/toolgating/toolgating/internal/logger"
	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/authz"
	"github.com/toolgating/toolgating/pkg/gating/metrics"
)

// principalHeader carries the caller's identity across the HTTP boundary,
// the same custom-header convention the teacher uses for request metadata
// (X-Request-ID, X-Forwarded-For).
const principalHeader = "X-Toolgate-Principal"

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps bundles the core components the HTTP surface is composed from.
type Deps struct {
	Discoverer Discoverer
	Registry   ToolRegistry
	Proxy      interface {
		Executor
		ServerManager
	}

	// Metrics is optional; when nil, /metrics is not mounted and call
	// counters are not recorded.
	Metrics *metrics.Recorder

	// Authz is optional; when nil, /api/tools/provision permits every tool
	// (discover and execute are gated independently, inside the
	// Discoverer/Proxy themselves).
	Authz *authz.Gate

	// Configured is the backend config file's servers map, used to merge
	// add_server/register-server request bodies onto a configured default
	// LaunchSpec. May be nil.
	Configured map[string]gating.LaunchSpec
}

// NewRouter builds the full chi router for the tool-gating HTTP surface
// (spec §6), mounting one sub-router per resource group.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Timeout(middlewareTimeout), principalFromHeader)
	if deps.Metrics != nil {
		r.Use(recordMetrics(deps.Metrics))
		r.Handle("/metrics", deps.Metrics.Handler)
	}

	r.Mount("/health", HealthcheckRouter())
	r.Mount("/api/tools", ToolsRouter(deps.Discoverer, deps.Registry, deps.Authz))
	r.Mount("/api/proxy", ProxyRouter(deps.Proxy))
	r.Mount("/api/mcp", McpRouter(deps.Proxy, deps.Configured))
	return r
}

// principalFromHeader reads principalHeader (defaulting to
// authz.AnonymousPrincipal) and attaches it to the request context via
// authz.WithPrincipal, so every downstream handler's ctx carries the caller's
// identity without changing any of their signatures.
func principalFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := r.Header.Get(principalHeader)
		if principal == "" {
			principal = authz.AnonymousPrincipal
		}
		ctx := authz.WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recordMetrics increments the discover/execute counters for the matching
// routes, labeling execute by success/error based on the response status.
func recordMetrics(rec *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case strings.HasSuffix(r.URL.Path, "/tools/discover"):
				rec.RecordDiscover(r.Context())
				next.ServeHTTP(w, r)
			case strings.HasSuffix(r.URL.Path, "/proxy/execute"):
				ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
				next.ServeHTTP(ww, r)
				outcome := "ok"
				if ww.Status() >= 400 {
					outcome = "error"
				}
				rec.RecordExecute(r.Context(), outcome)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// Serve starts the HTTP server on address and blocks until ctx is
// cancelled, then shuts down gracefully.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("api: starting http server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api: server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: server shutdown failed: %w", err)
	}
	logger.Infof("api: http server stopped")
	return nil
}
