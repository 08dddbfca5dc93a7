package apperror

import "errors"

var (
	ErrNotFound        = errors.New("game not found")
	ErrInvalidState    = errors.New("action is not allowed in the current game state")
	ErrForbidden       = errors.New("connection is not a player of this game")
	ErrNotYourTurn     = errors.New("it's not your turn")
	ErrOccupied        = errors.New("cell is already occupied")
	ErrFull            = errors.New("game is full")
	ErrInvalidPosition = errors.New("invalid cell index")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// Message maps a rule violation to the notice shown to the player that caused it.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "Game not found"
	case errors.Is(err, ErrFull):
		return "Game is full"
	case errors.Is(err, ErrInvalidState):
		return "Game is not active"
	case errors.Is(err, ErrForbidden):
		return "You are not in this game"
	case errors.Is(err, ErrNotYourTurn):
		return "Not your turn"
	case errors.Is(err, ErrOccupied):
		return "Position already taken"
	case errors.Is(err, ErrInvalidPosition):
		return "Invalid position"
	case errors.Is(err, ErrInvalidPayload):
		return "Invalid request"
	default:
		return "Internal server error"
	}
}
