// Package tictactoe holds the rules of the game. Every function is pure: it
// only reads and writes the game handed to it and never touches shared state.
package tictactoe

import (
	"fmt"

	"github.com/rocketscienceinc/tictactoe-arena/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-arena/internal/entity"
)

// MoveResult describes an accepted move.
type MoveResult struct {
	Position int
	Symbol   entity.Symbol
	Board    entity.Board
	Turn     entity.Symbol
	Outcome  entity.Outcome
}

// NewGame seats the creator as player1 with the first-mover symbol.
func NewGame(gameID, connID, name string) *entity.Game {
	return &entity.Game{
		ID: gameID,
		Player1: &entity.Player{
			ConnectionID: connID,
			Name:         name,
			Symbol:       entity.SymbolX,
		},
		Turn:   entity.SymbolX,
		Status: entity.StatusWaiting,
	}
}

// Join seats connID as player2 and starts the game.
func Join(game *entity.Game, connID, name string) error {
	if game == nil {
		return apperror.ErrNotFound
	}

	if game.Player2 != nil {
		return fmt.Errorf("%w: game %s", apperror.ErrFull, game.ID)
	}

	if !game.IsWaiting() {
		return fmt.Errorf("%w: game %s is %s", apperror.ErrInvalidState, game.ID, game.Status)
	}

	game.Player2 = &entity.Player{
		ConnectionID: connID,
		Name:         name,
		Symbol:       entity.SymbolO,
	}
	game.Status = entity.StatusPlaying

	return nil
}

// ApplyMove validates and applies a move. A rejected move leaves the game untouched.
func ApplyMove(game *entity.Game, connID string, position int) (MoveResult, error) {
	if game == nil {
		return MoveResult{}, apperror.ErrNotFound
	}

	if !game.IsPlaying() {
		return MoveResult{}, fmt.Errorf("%w: game %s is %s", apperror.ErrInvalidState, game.ID, game.Status)
	}

	if position < 0 || position >= entity.BoardSize {
		return MoveResult{}, fmt.Errorf("%w: cell %d", apperror.ErrInvalidPosition, position)
	}

	player := game.PlayerByConnection(connID)
	if player == nil {
		return MoveResult{}, apperror.ErrForbidden
	}

	if player.Symbol != game.Turn {
		return MoveResult{}, apperror.ErrNotYourTurn
	}

	if game.Board[position] != entity.EmptyCell {
		return MoveResult{}, fmt.Errorf("%w: cell %d", apperror.ErrOccupied, position)
	}

	game.Board[position] = player.Symbol
	game.Turn = player.Symbol.Opponent()

	return MoveResult{
		Position: position,
		Symbol:   player.Symbol,
		Board:    game.Board,
		Turn:     game.Turn,
		Outcome:  EvaluateOutcome(game.Board),
	}, nil
}

// Finish moves a playing game into a terminal outcome. Status never goes
// backwards.
func Finish(game *entity.Game, outcome entity.Outcome) error {
	if game == nil {
		return apperror.ErrNotFound
	}

	if game.IsFinished() {
		return fmt.Errorf("%w: game %s is already finished", apperror.ErrInvalidState, game.ID)
	}

	if !game.IsPlaying() {
		return fmt.Errorf("%w: game %s has not started", apperror.ErrInvalidState, game.ID)
	}

	if !outcome.IsTerminal() {
		return fmt.Errorf("%w: outcome %q does not end a game", apperror.ErrInvalidState, outcome)
	}

	game.Status = entity.StatusFinished
	game.Outcome = outcome

	return nil
}

// EvaluateOutcome checks the winning lines before declaring a draw.
func EvaluateOutcome(board entity.Board) entity.Outcome {
	for _, combo := range entity.WinCombos {
		a, b, c := board[combo[0]], board[combo[1]], board[combo[2]]
		if a != entity.EmptyCell && a == b && b == c {
			return entity.Outcome(a)
		}
	}

	// the game continues until all the cells are filled
	for _, cell := range board {
		if cell == entity.EmptyCell {
			return entity.OutcomeNone
		}
	}

	return entity.OutcomeDraw
}

// WinnerDisplayName maps an outcome to the name stored in the history.
func WinnerDisplayName(game *entity.Game, outcome entity.Outcome) string {
	switch outcome {
	case entity.OutcomeDraw:
		return entity.DrawName
	case entity.OutcomeX:
		if game.Player1 != nil {
			return game.Player1.Name
		}
	case entity.OutcomeO:
		if game.Player2 != nil {
			return game.Player2.Name
		}
	}

	return ""
}

// ToLobbyListing summarizes a game for the lobby. Only waiting games are listed.
func ToLobbyListing(game *entity.Game) (entity.LobbyListing, bool) {
	if game == nil || !game.IsWaiting() || game.Player1 == nil {
		return entity.LobbyListing{}, false
	}

	return entity.LobbyListing{
		ID:          game.ID,
		Player1:     game.Player1.Name,
		PlayerCount: 1,
		Status:      game.Status,
	}, true
}
