package rest

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"slices"

	"github.com/rocketscienceinc/tictactoe-arena/internal/entity"
)

const DefaultHistoryLimit = 50

type historyReader interface {
	RecentHistory(ctx context.Context, limit int) ([]entity.GameRecord, error)
}

type gameLister interface {
	ActiveGames() iter.Seq[entity.LobbyListing]
}

type userLister interface {
	ListOnline() []string
}

type Handlers interface {
	PingHandler(w http.ResponseWriter, _ *http.Request)
	HealthHandler(w http.ResponseWriter, _ *http.Request)

	GameHistory(w http.ResponseWriter, r *http.Request)
	ActiveGames(w http.ResponseWriter, _ *http.Request)
	OnlineUsers(w http.ResponseWriter, _ *http.Request)
}

type handlers struct {
	logger       *slog.Logger
	history      historyReader
	games        gameLister
	users        userLister
	historyLimit int
}

func NewHandlers(logger *slog.Logger, history historyReader, games gameLister, users userLister, historyLimit int) Handlers {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	return &handlers{
		logger:       logger.With("component", "rest"),
		history:      history,
		games:        games,
		users:        users,
		historyLimit: historyLimit,
	}
}

func (that *handlers) PingHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("pong")); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
}

func (that *handlers) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	that.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (that *handlers) GameHistory(w http.ResponseWriter, r *http.Request) {
	games := []entity.GameRecord{}

	if that.history != nil {
		records, err := that.history.RecentHistory(r.Context(), that.historyLimit)
		if err != nil {
			that.logger.Error("failed to fetch game history", "error", err)
			that.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch game history"})
			return
		}

		if records != nil {
			games = records
		}
	}

	that.writeJSON(w, http.StatusOK, map[string][]entity.GameRecord{"games": games})
}

func (that *handlers) ActiveGames(w http.ResponseWriter, _ *http.Request) {
	games := slices.Collect(that.games.ActiveGames())
	if games == nil {
		games = []entity.LobbyListing{}
	}

	that.writeJSON(w, http.StatusOK, map[string][]entity.LobbyListing{"games": games})
}

func (that *handlers) OnlineUsers(w http.ResponseWriter, _ *http.Request) {
	that.writeJSON(w, http.StatusOK, map[string][]string{"users": that.users.ListOnline()})
}

func (that *handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		that.logger.Error("failed to write response", "error", err)
	}
}
