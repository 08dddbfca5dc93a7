package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/rocketscienceinc/tictactoe-arena/internal/pkg"
)

const (
	readLimit       = 4096
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	logger         *slog.Logger
	hub            *Hub
	dispatcher     *Dispatcher
	originPatterns []string

	// base outlives single requests; cancelling it closes every socket
	base context.Context
}

func New(logger *slog.Logger, hub *Hub, dispatcher *Dispatcher, originPatterns []string) *Server {
	return &Server{
		logger:         logger.With("component", "websocket"),
		hub:            hub,
		dispatcher:     dispatcher,
		originPatterns: originPatterns,
		base:           context.Background(),
	}
}

// Start serves /ws on port until ctx is cancelled.
func (that *Server) Start(ctx context.Context, port string) error {
	that.base = ctx

	mux := http.NewServeMux()
	mux.Handle("/ws", that)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			that.logger.Error("failed to shutdown websocket server", "error", err)
		}
	}()

	that.logger.Info("websocket server started", "port", port)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Bind ties socket lifetimes to ctx when the handler is mounted on another server.
func (that *Server) Bind(ctx context.Context) {
	that.base = ctx
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (that *Server) ServeHTTP(writer http.ResponseWriter, req *http.Request) {
	log := that.logger.With("method", "ServeHTTP")

	conn, err := websocket.Accept(writer, req, &websocket.AcceptOptions{
		OriginPatterns: that.originPatterns,
	})
	if err != nil {
		log.Warn("websocket accept error", "error", err)
		return
	}

	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	stop := context.AfterFunc(that.base, cancel)
	defer stop()

	connID := pkg.GenerateConnectionID()
	that.hub.add(ctx, connID, conn)

	log.Info("websocket connection established", "connID", connID, "remoteAddr", req.RemoteAddr)

	that.readLoop(ctx, connID, conn)

	that.hub.remove(connID)
	that.dispatcher.Disconnect(connID)

	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (that *Server) readLoop(ctx context.Context, connID string, conn *websocket.Conn) {
	log := that.logger.With("method", "readLoop", "connID", connID)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				log.Debug("connection closed", "status", status)
			} else {
				log.Info("error reading message", "error", err)
			}

			return
		}

		if typ != websocket.MessageText {
			that.dispatcher.replyError(connID, errBinaryFrame)
			continue
		}

		that.dispatcher.Handle(ctx, connID, data)
	}
}
