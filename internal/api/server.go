// Package api provides the HTTP and gRPC servers for the optbot trader,
// exposing positions, trades, statistics, ticker configuration and engine
// status, plus a WebSocket feed of ledger events.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"optbot/internal/config"
	"optbot/internal/metrics"
	"optbot/internal/store"
)

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	httpAddr string
	grpcAddr string
	ledger   Ledger
	handlers *Handlers
	service  *LedgerService
	hub      *Hub
	log      *slog.Logger

	httpServer *http.Server
	grpcServer *grpc.Server
}

// NewServer creates a new Server configured from the given server config.
// trader may be nil when no engine runs in this process.
func NewServer(cfg config.Server, l Ledger, tickers store.TickerStore, trader Trader, defaults TickerDefaults, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")
	s := &Server{
		httpAddr: net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		grpcAddr: net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.GRPCPort)),
		ledger:   l,
		handlers: NewHandlers(l, tickers, trader, defaults, log),
		service:  NewLedgerService(l, tickers, trader, defaults, log),
		hub:      NewHub(log),
		log:      log,
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcServer = grpc.NewServer()
	s.service.RegisterGRPC(s.grpcServer)
	return s
}

// Handler returns the HTTP handler with every route and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handlers.RegisterRoutes(mux)
	mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	return corsMiddleware(mux)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs. On cancellation the servers
// are shut down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	grpcLn, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve runs the servers on pre-bound listeners.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.hub.Feed(gctx, s.ledger)
		return nil
	})
	g.Go(func() error {
		s.log.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down API servers")
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	err := s.httpServer.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
