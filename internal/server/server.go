package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anatolykoptev/xgate/internal/config"
	"github.com/anatolykoptev/xgate/internal/credstore"
	"github.com/anatolykoptev/xgate/internal/tokenstore"
	"github.com/anatolykoptev/xgate/internal/upstream"
)

// Server is the downstream HTTP gateway.
type Server struct {
	cfg        *config.Config
	creds      *credstore.Store
	tokens     *tokenstore.Store
	pool       *upstream.Pool
	client     *upstream.Client
	httpServer *http.Server
	startTime  time.Time
}

func New(cfg *config.Config, creds *credstore.Store, tokens *tokenstore.Store, pool *upstream.Pool, client *upstream.Client) *Server {
	srv := &Server{
		cfg:       cfg,
		creds:     creds,
		tokens:    tokens,
		pool:      pool,
		client:    client,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.IdleTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.requireToken
	admin := s.requireAdmin

	// Read API (bearer-token authenticated)
	mux.Handle("GET /api/tweets/{id}", auth(http.HandlerFunc(s.handleTweet)))
	mux.Handle("GET /api/users/{handle}", auth(http.HandlerFunc(s.handleProfile)))
	mux.Handle("GET /api/users/{user}/tweets-and-replies", auth(http.HandlerFunc(s.handleTweetsAndReplies)))
	mux.Handle("GET /api/users/{user}/following", auth(http.HandlerFunc(s.handleFollowing)))
	mux.Handle("GET /api/users/{user}/followers", auth(http.HandlerFunc(s.handleFollowers)))
	mux.Handle("GET /api/users/{user}/all-tweets", auth(http.HandlerFunc(s.handleAllTweets)))
	mux.Handle("GET /api/search/people/{query}", auth(http.HandlerFunc(s.handleSearchPeople)))
	mux.Handle("GET /api/search/tweets/{query}", auth(http.HandlerFunc(s.handleSearchTweets)))
	mux.Handle("GET /api/communities/{id}/members", auth(http.HandlerFunc(s.handleCommunityMembers)))

	// Admin (password cookie)
	mux.HandleFunc("POST /admin/login", s.handleAdminLogin)
	mux.Handle("POST /api/accounts/import", admin(http.HandlerFunc(s.handleImportAccounts)))
	mux.Handle("POST /api/accounts/login", admin(http.HandlerFunc(s.handleRelogin)))
	mux.Handle("GET /api/accounts", admin(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("DELETE /api/accounts/{username}", admin(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("POST /api/tokens", admin(http.HandlerFunc(s.handleIssueToken)))
	mux.Handle("GET /api/tokens", admin(http.HandlerFunc(s.handleListTokens)))
	mux.Handle("DELETE /api/tokens/{id}", admin(http.HandlerFunc(s.handleDeleteToken)))

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"loggedIn":  s.pool.ActiveCount() > 0,
			"active":    s.pool.ActiveCount(),
			"uptimeSec": int(time.Since(s.startTime).Seconds()),
		})
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestLogger logs all incoming HTTP requests for debugging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
