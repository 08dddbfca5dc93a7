package websocket

import (
	"encoding/json"

	"github.com/rocketscienceinc/tictactoe-arena/internal/entity"
)

// Inbound events.
const (
	EventRegisterUser       = "register_user"
	EventCreateGame         = "create_game"
	EventJoinGame           = "join_game"
	EventMakeMove           = "make_move"
	EventRequestOnlineUsers = "request_online_users"
	EventRequestActiveGames = "request_active_games"
	EventRequestGameHistory = "request_game_history"
)

// Outbound events.
const (
	EventOnlineUsersUpdated   = "online_users_updated"
	EventActiveGamesUpdated   = "active_games_updated"
	EventGameCreated          = "game_created"
	EventGameStarted          = "game_started"
	EventMoveMade             = "move_made"
	EventGameEnded            = "game_ended"
	EventOpponentDisconnected = "opponent_disconnected"
	EventGameHistory          = "game_history"
	EventError                = "error"
)

const forfeitMessage = "Your opponent disconnected. You win by forfeit!"

// Message is an inbound envelope. Data is decoded by the handler of the event.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutMessage is an outbound envelope.
type OutMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// namePayload carries a display name; older clients send it as playerName.
type namePayload struct {
	Name       string `json:"name"`
	PlayerName string `json:"playerName"`
}

func (that namePayload) displayName() string {
	if that.Name != "" {
		return that.Name
	}

	return that.PlayerName
}

type joinGamePayload struct {
	namePayload
	GameID string `json:"gameId"`
}

type makeMovePayload struct {
	GameID   string `json:"gameId"`
	Position *int   `json:"position"`
}

type onlineUsersPayload struct {
	Users []string `json:"users"`
}

type activeGamesPayload struct {
	Games []entity.LobbyListing `json:"games"`
}

type gameCreatedPayload struct {
	GameID string        `json:"gameId"`
	Symbol entity.Symbol `json:"symbol"`
}

type gameStartedPayload struct {
	GameID  string        `json:"gameId"`
	Player1 string        `json:"player1"`
	Player2 string        `json:"player2"`
	Board   entity.Board  `json:"board"`
	Turn    entity.Symbol `json:"turn"`
}

type moveMadePayload struct {
	GameID   string        `json:"gameId"`
	Position int           `json:"position"`
	Symbol   entity.Symbol `json:"symbol"`
	Board    entity.Board  `json:"board"`
	Turn     entity.Symbol `json:"turn"`
}

type gameEndedPayload struct {
	GameID     string        `json:"gameId"`
	Winner     entity.Symbol `json:"winner"`
	WinnerName string        `json:"winnerName"`
	Draw       bool          `json:"draw"`
	Board      entity.Board  `json:"board"`
}

type opponentDisconnectedPayload struct {
	GameID  string `json:"gameId"`
	Message string `json:"message"`
	Winner  string `json:"winner"`
}

type gameHistoryPayload struct {
	Games []entity.GameRecord `json:"games"`
}

type errorPayload struct {
	Message string `json:"message"`
}
