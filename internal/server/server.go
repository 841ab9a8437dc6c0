// Package server exposes the sync engine over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/gitsync"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/provider"
)

// WebhookParser verifies and decodes provider push deliveries.
type WebhookParser interface {
	ParseWebhook(r *http.Request) (*provider.WebhookEvent, error)
}

type Options struct {
	Address string
	// Secret, when set, must be sent in the X-Secret-Key header of every
	// /git request except webhook deliveries.
	Secret         string
	RequestTimeout time.Duration
}

type Server struct {
	engine   *gitsync.Engine
	webhooks WebhookParser
	opts     Options

	requests atomic.Uint64
}

func New(engine *gitsync.Engine, webhooks WebhookParser, opts Options) *Server {
	RegisterMetrics()
	return &Server{engine: engine, webhooks: webhooks, opts: opts}
}

// Handler returns the router with every route and middleware installed.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handler(s.health)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/git/webhook", s.handler(s.webhook)).Methods(http.MethodPost)

	g := r.PathPrefix("/git").Subrouter()
	g.Use(authMiddleware(s.opts.Secret), timeoutMiddleware(s.opts.RequestTimeout))

	g.HandleFunc("/pull", s.handler(s.pull)).Methods(http.MethodGet)
	g.HandleFunc("/commit-package-to-git", s.handler(s.commitPackage)).Methods(http.MethodGet)
	g.HandleFunc("/merge-commit-package-to-git", s.handler(s.mergeCommitPackage)).Methods(http.MethodGet)
	g.HandleFunc("/create-new-git-repository-with-package-content", s.handler(s.createRepository)).Methods(http.MethodGet)
	g.HandleFunc("/link-to-existing-git-repository", s.handler(s.linkRepository)).Methods(http.MethodGet)

	g.HandleFunc("/merge-state", s.handler(s.mergeState)).Methods(http.MethodGet)
	g.HandleFunc("/merge-states", s.handler(s.mergeStates)).Methods(http.MethodGet)
	g.HandleFunc("/update-merge-state", s.handler(s.updateMergeState)).Methods(http.MethodPost)
	g.HandleFunc("/resolve-merge-state", s.handler(s.resolveMergeState)).Methods(http.MethodPost)
	g.HandleFunc("/merge-resolver-strategies", s.handler(s.strategies)).Methods(http.MethodGet)
	g.HandleFunc("/remove-merge-state", s.handler(s.removeMergeState)).Methods(http.MethodDelete)

	g.HandleFunc("/finalize-merge-state", s.handler(s.finalize(""))).Methods(http.MethodPost)
	g.HandleFunc("/finalize-pull-merge-state", s.handler(s.finalize(mergestate.KindPull))).Methods(http.MethodPost)
	g.HandleFunc("/finalize-push-merge-state", s.handler(s.finalize(mergestate.KindPush))).Methods(http.MethodPost)
	g.HandleFunc("/finalize-merge-merge-state", s.handler(s.finalize(mergestate.KindMerge))).Methods(http.MethodPost)
	g.HandleFunc("/finalize-pull-merge-state-on-failure", s.handler(s.finalizeOnFailure(mergestate.KindPull))).Methods(http.MethodPost)
	g.HandleFunc("/finalize-push-merge-state-on-failure", s.handler(s.finalizeOnFailure(mergestate.KindPush))).Methods(http.MethodPost)
	g.HandleFunc("/finalize-merge-merge-state-on-failure", s.handler(s.finalizeOnFailure(mergestate.KindMerge))).Methods(http.MethodPost)

	return corsMiddleware(r)
}

// ListenAndServe serves until ctx is cancelled or the process is interrupted.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	go func() {
		select {
		case <-quit:
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.From(ctx).Error("server forced to shutdown", zap.Error(err))
		}
	}()

	log.From(ctx).Info("listening", zap.String("address", s.opts.Address))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("error starting server: %w", err)
	}

	return nil
}

func (s *Server) handler(h func(context.Context, http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := fmt.Sprintf("%03d", s.requests.Add(1))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-Id", id)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		l := log.From(r.Context()).With(zap.String("requestId", id), zap.String("method", r.Method), zap.String("path", route))
		ctx := log.With(r.Context(), l)

		l.Debug("request started")
		if err := h(ctx, rec, r.WithContext(ctx)); err != nil {
			respondJSONError(ctx, rec, err)
		}

		duration := time.Since(start)
		RecordHTTPRequest(r.Method, route, rec.status, duration)
		l.Info("request completed", zap.Int("status", rec.status), zap.Duration("duration", duration))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authMiddleware(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Secret-Key")), []byte(secret)) != 1 {
				respondJSONError(r.Context(), w, errors.ErrUnauthorized.Wrapf("missing or wrong X-Secret-Key"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware bounds every engine call. A finalize cut short keeps its
// merge state with the journal at the last completed step.
func timeoutMiddleware(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
