package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/rocketscienceinc/tictactoe-arena/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-arena/internal/entity"
	"github.com/rocketscienceinc/tictactoe-arena/internal/usecase"
)

const (
	DefaultSocketHistoryLimit = 10
	historyTimeout            = 5 * time.Second
)

type gameRegistry interface {
	Create(connID, name string) (*entity.Game, error)
	Join(gameID, connID, name string) (*entity.Game, error)
	Move(gameID, connID string, position int) (usecase.MoveOutcome, error)
	Disconnect(connID string) usecase.ForfeitOutcome
	ActiveGames() iter.Seq[entity.LobbyListing]
	OnCleanup(fn func(gameID string))
	OnMove(fn func(outcome usecase.MoveOutcome))
}

type presenceTracker interface {
	Register(connID, name string)
	Unregister(connID string)
	ListOnline() []string
	Name(connID string) (string, bool)
	OnChange(fn func(users []string))
}

type historyReader interface {
	RecentHistory(ctx context.Context, limit int) ([]entity.GameRecord, error)
}

type handlerFunc func(ctx context.Context, connID string, data json.RawMessage) error

// Dispatcher turns inbound socket events into registry and presence calls and
// fans the results out through the hub.
type Dispatcher struct {
	logger       *slog.Logger
	hub          *Hub
	registry     gameRegistry
	presence     presenceTracker
	history      historyReader
	historyLimit int

	handlers map[string]handlerFunc
}

func NewDispatcher(
	logger *slog.Logger,
	hub *Hub,
	registry gameRegistry,
	presence presenceTracker,
	history historyReader,
	historyLimit int,
) *Dispatcher {
	if historyLimit <= 0 {
		historyLimit = DefaultSocketHistoryLimit
	}

	dispatcher := &Dispatcher{
		logger:       logger.With("component", "dispatcher"),
		hub:          hub,
		registry:     registry,
		presence:     presence,
		history:      history,
		historyLimit: historyLimit,

		handlers: make(map[string]handlerFunc),
	}

	dispatcher.handlers[EventRegisterUser] = dispatcher.handleRegisterUser
	dispatcher.handlers[EventCreateGame] = dispatcher.handleCreateGame
	dispatcher.handlers[EventJoinGame] = dispatcher.handleJoinGame
	dispatcher.handlers[EventMakeMove] = dispatcher.handleMakeMove
	dispatcher.handlers[EventRequestOnlineUsers] = dispatcher.handleRequestOnlineUsers
	dispatcher.handlers[EventRequestActiveGames] = dispatcher.handleRequestActiveGames
	dispatcher.handlers[EventRequestGameHistory] = dispatcher.handleRequestGameHistory

	registry.OnCleanup(func(string) { dispatcher.broadcastActiveGames() })
	registry.OnMove(dispatcher.publishMove)
	presence.OnChange(func(users []string) {
		hub.Broadcast(EventOnlineUsersUpdated, onlineUsersPayload{Users: users})
	})

	return dispatcher
}

// Handle processes one raw frame from connID. Rejections are answered with an
// error event to the sender only.
func (that *Dispatcher) Handle(ctx context.Context, connID string, raw []byte) {
	log := that.logger.With("method", "Handle", "connID", connID)

	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		log.Debug("failed to unmarshal message", "error", err)
		that.replyError(connID, apperror.ErrInvalidPayload)
		return
	}

	handler, ok := that.handlers[message.Event]
	if !ok {
		log.Debug("unknown event", "event", message.Event)
		that.replyError(connID, fmt.Errorf("%w: unknown event %q", apperror.ErrInvalidPayload, message.Event))
		return
	}

	if err := handler(ctx, connID, message.Data); err != nil {
		if usecase.IsRuleViolation(err) {
			log.Debug("event rejected", "event", message.Event, "error", err)
		} else {
			log.Error("error processing message", "event", message.Event, "error", err)
		}

		that.replyError(connID, err)
	}
}

// Disconnect resolves the game of a closed connection, tells the survivor of a
// forfeit and refreshes presence and the lobby.
func (that *Dispatcher) Disconnect(connID string) {
	outcome := that.registry.Disconnect(connID)

	if outcome.Forfeit && outcome.Winner != nil {
		that.hub.Send(outcome.Winner.ConnectionID, EventOpponentDisconnected, opponentDisconnectedPayload{
			GameID:  outcome.GameID,
			Message: forfeitMessage,
			Winner:  outcome.WinnerName,
		})
	}

	that.presence.Unregister(connID)
	that.broadcastActiveGames()

	that.logger.Info("user disconnected", "connID", connID, "gameID", outcome.GameID, "forfeit", outcome.Forfeit)
}

func (that *Dispatcher) handleRegisterUser(_ context.Context, connID string, data json.RawMessage) error {
	var payload namePayload
	if err := decode(data, &payload); err != nil {
		return err
	}

	that.presence.Register(connID, payload.displayName())

	return nil
}

func (that *Dispatcher) handleCreateGame(_ context.Context, connID string, data json.RawMessage) error {
	var payload namePayload
	if err := decode(data, &payload); err != nil {
		return err
	}

	game, err := that.registry.Create(connID, that.nameFor(connID, payload.displayName()))
	if err != nil {
		return err
	}

	that.hub.Send(connID, EventGameCreated, gameCreatedPayload{GameID: game.ID, Symbol: game.Player1.Symbol})
	that.broadcastActiveGames()

	return nil
}

func (that *Dispatcher) handleJoinGame(_ context.Context, connID string, data json.RawMessage) error {
	var payload joinGamePayload
	if err := decode(data, &payload); err != nil {
		return err
	}

	if payload.GameID == "" {
		return fmt.Errorf("%w: missing gameId", apperror.ErrInvalidPayload)
	}

	game, err := that.registry.Join(payload.GameID, connID, that.nameFor(connID, payload.displayName()))
	if err != nil {
		return err
	}

	that.hub.SendTo(game.ConnectionIDs(), EventGameStarted, gameStartedPayload{
		GameID:  game.ID,
		Player1: game.Player1.Name,
		Player2: game.Player2.Name,
		Board:   game.Board,
		Turn:    game.Turn,
	})
	that.broadcastActiveGames()

	return nil
}

func (that *Dispatcher) handleMakeMove(_ context.Context, connID string, data json.RawMessage) error {
	var payload makeMovePayload
	if err := decode(data, &payload); err != nil {
		return err
	}

	if payload.GameID == "" {
		return fmt.Errorf("%w: missing gameId", apperror.ErrInvalidPayload)
	}

	if payload.Position == nil || *payload.Position < 0 || *payload.Position >= entity.BoardSize {
		return apperror.ErrInvalidPosition
	}

	if _, err := that.registry.Move(payload.GameID, connID, *payload.Position); err != nil {
		return err
	}

	return nil
}

// publishMove runs under the game lock. Hub sends never block, and queueing
// here keeps move_made and game_ended in move order for both players.
func (that *Dispatcher) publishMove(outcome usecase.MoveOutcome) {
	subscribers := outcome.Game.ConnectionIDs()

	that.hub.SendTo(subscribers, EventMoveMade, moveMadePayload{
		GameID:   outcome.Game.ID,
		Position: outcome.Move.Position,
		Symbol:   outcome.Move.Symbol,
		Board:    outcome.Move.Board,
		Turn:     outcome.Move.Turn,
	})

	if outcome.Move.Outcome.IsTerminal() {
		that.hub.SendTo(subscribers, EventGameEnded, gameEndedPayload{
			GameID:     outcome.Game.ID,
			Winner:     outcome.Move.Outcome.Symbol(),
			WinnerName: outcome.WinnerName,
			Draw:       outcome.Move.Outcome.IsDraw(),
			Board:      outcome.Move.Board,
		})
	}
}

func (that *Dispatcher) handleRequestOnlineUsers(_ context.Context, connID string, _ json.RawMessage) error {
	that.hub.Send(connID, EventOnlineUsersUpdated, onlineUsersPayload{Users: that.presence.ListOnline()})

	return nil
}

func (that *Dispatcher) handleRequestActiveGames(_ context.Context, connID string, _ json.RawMessage) error {
	that.hub.Send(connID, EventActiveGamesUpdated, that.activeGames())

	return nil
}

func (that *Dispatcher) handleRequestGameHistory(ctx context.Context, connID string, _ json.RawMessage) error {
	games := []entity.GameRecord{}

	if that.history != nil {
		ctx, cancel := context.WithTimeout(ctx, historyTimeout)
		defer cancel()

		records, err := that.history.RecentHistory(ctx, that.historyLimit)
		if err != nil {
			return fmt.Errorf("%w: %w", errHistoryUnavailable, err)
		}

		if records != nil {
			games = records
		}
	}

	that.hub.Send(connID, EventGameHistory, gameHistoryPayload{Games: games})

	return nil
}

var (
	errHistoryUnavailable = errors.New("failed to load game history")
	errBinaryFrame        = fmt.Errorf("%w: binary frames are not supported", apperror.ErrInvalidPayload)
)

func (that *Dispatcher) replyError(connID string, err error) {
	that.hub.Send(connID, EventError, errorPayload{Message: errorMessage(err)})
}

func (that *Dispatcher) broadcastActiveGames() {
	that.hub.Broadcast(EventActiveGamesUpdated, that.activeGames())
}

func (that *Dispatcher) activeGames() activeGamesPayload {
	games := slices.Collect(that.registry.ActiveGames())
	if games == nil {
		games = []entity.LobbyListing{}
	}

	return activeGamesPayload{Games: games}
}

// nameFor prefers the name sent with the event, then the registered name.
func (that *Dispatcher) nameFor(connID, name string) string {
	if usecase.NormalizeName(name) == usecase.AnonymousName {
		if registered, ok := that.presence.Name(connID); ok {
			return registered
		}
	}

	return usecase.NormalizeName(name)
}

func decode(data json.RawMessage, target any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %w", apperror.ErrInvalidPayload, err)
	}

	return nil
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, errHistoryUnavailable):
		return "Failed to load game history"
	default:
		return apperror.Message(err)
	}
}
