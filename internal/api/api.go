// Package api exposes chaind's external request/response interface: REST
// convenience routes plus a single POST /rpc JSON-RPC 2.0 endpoint carrying
// both chaind's native methods and the web3-style aliases of spec.md §6.1.
// The router is grounded on the teacher's walletserver/routes/routes.go and
// cmd/xchainserver/server/routes.go (gorilla/mux, a small logging
// middleware chain); optional HTTP Basic auth follows the same
// middleware-chaining idiom.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/chaind-project/chaind/internal/node"
)

// Server wires a *node.Node into an HTTP API surface.
type Server struct {
	n      *node.Node
	logger *logrus.Logger
	router *mux.Router
}

// NewServer builds the router: logging middleware, optional Basic auth,
// REST routes, and the /rpc dispatcher.
func NewServer(n *node.Node, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{n: n, logger: logger}

	r := mux.NewRouter()
	r.Use(s.requestLogger)
	cfg := n.Config()
	if cfg.API.Username != "" || cfg.API.Password != "" {
		r.Use(s.basicAuth(cfg.API.Username, cfg.API.Password))
	}

	r.HandleFunc("/block/{id}", s.handleGetBlock).Methods(http.MethodGet)
	r.HandleFunc("/tx", s.handlePostTx).Methods(http.MethodPost)
	r.HandleFunc("/tx/{digest}", s.handleGetTransaction).Methods(http.MethodGet)
	r.HandleFunc("/mempool", s.handleGetMempoolInfo).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.handleGetPeers).Methods(http.MethodGet)
	r.HandleFunc("/peers/connect", s.handlePeersConnect).Methods(http.MethodPost)
	r.HandleFunc("/balance/{address}", s.handleGetBalance).Methods(http.MethodGet)
	r.HandleFunc("/info", s.handleGetNodeInfo).Methods(http.MethodGet)
	r.HandleFunc("/chain", s.handleGetBlockchainInfo).Methods(http.MethodGet)
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)

	s.router = r
	return s
}

// Router exposes the underlying mux.Router, mainly for tests.
func (s *Server) Router() *mux.Router { return s.router }

// requestLogger mirrors walletserver/middleware.Logger: method, path, and
// elapsed time at info level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Infof("%s %s %s", r.Method, r.RequestURI, time.Since(start))
	})
}

// basicAuth gates every route behind HTTP Basic credentials when
// api_username/api_password are configured, per spec.md §6.1.
func (s *Server) basicAuth(username, password string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !constantTimeEqual(user, username) || !constantTimeEqual(pass, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="chaind"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// ListenAndServe starts the HTTP server on addr and blocks until ctx is
// cancelled, then gracefully shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
