package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	logger         *slog.Logger
	handlers       Handlers
	allowedOrigins []string
	socket         http.Handler
}

// New builds the query API. When socket is not nil it is served under /ws on
// the same port.
func New(logger *slog.Logger, handlers Handlers, allowedOrigins []string, socket http.Handler) *Server {
	return &Server{
		logger:         logger.With("component", "http"),
		handlers:       handlers,
		allowedOrigins: allowedOrigins,
		socket:         socket,
	}
}

func (that *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", that.handlers.PingHandler)
	mux.HandleFunc("GET /health", that.handlers.HealthHandler)
	mux.HandleFunc("GET /api/games/history", that.handlers.GameHistory)
	mux.HandleFunc("GET /api/games/active", that.handlers.ActiveGames)
	mux.HandleFunc("GET /api/users/online", that.handlers.OnlineUsers)

	api := cors.Handler(cors.Options{
		AllowedOrigins:   that.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})(mux)

	if that.socket == nil {
		return api
	}

	// the socket checks origins itself during the upgrade
	root := http.NewServeMux()
	root.Handle("/ws", that.socket)
	root.Handle("/", api)

	return root
}

// Start serves the API on port until ctx is cancelled.
func (that *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           that.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			that.logger.Error("failed to shutdown http server", "error", err)
		}
	}()

	that.logger.Info("http server started", "port", port)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}
