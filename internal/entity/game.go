package entity

import "time"

const BoardSize = 9

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

const (
	SymbolX   Symbol = "X"
	SymbolO   Symbol = "O"
	EmptyCell Symbol = ""
)

const (
	OutcomeNone Outcome = ""
	OutcomeX    Outcome = Outcome(SymbolX)
	OutcomeO    Outcome = Outcome(SymbolO)
	OutcomeDraw Outcome = "Draw"
)

// DrawName is the winner name recorded for drawn games.
const DrawName = "Draw"

// WinCombos lists the rows, columns and diagonals of the board.
var WinCombos = [8][3]int{
	{0, 1, 2},
	{3, 4, 5},
	{6, 7, 8},
	{0, 3, 6},
	{1, 4, 7},
	{2, 5, 8},
	{0, 4, 8},
	{2, 4, 6},
}

type (
	Status  string
	Symbol  string
	Outcome string
)

type Board [BoardSize]Symbol

// Opponent returns the symbol that moves after s.
func (s Symbol) Opponent() Symbol {
	if s == SymbolX {
		return SymbolO
	}
	return SymbolX
}

// IsTerminal reports whether the outcome ends the game.
func (o Outcome) IsTerminal() bool {
	return o != OutcomeNone
}

// IsDraw reports whether the outcome is a draw.
func (o Outcome) IsDraw() bool {
	return o == OutcomeDraw
}

// Symbol returns the winning symbol, or EmptyCell for draws and unfinished games.
func (o Outcome) Symbol() Symbol {
	switch o {
	case OutcomeX:
		return SymbolX
	case OutcomeO:
		return SymbolO
	default:
		return EmptyCell
	}
}

// Player is a seat in a game. Its identity is the transport connection.
type Player struct {
	ConnectionID string `json:"id"`
	Name         string `json:"name"`
	Symbol       Symbol `json:"symbol"`
}

type Game struct {
	ID        string    `json:"id"`
	Player1   *Player   `json:"player1"`
	Player2   *Player   `json:"player2,omitempty"`
	Board     Board     `json:"board"`
	Turn      Symbol    `json:"turn"`
	Status    Status    `json:"status"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (that *Game) IsWaiting() bool {
	return that.Status == StatusWaiting
}

func (that *Game) IsPlaying() bool {
	return that.Status == StatusPlaying
}

func (that *Game) IsFinished() bool {
	return that.Status == StatusFinished
}

// PlayerByConnection returns the seat owned by connID, or nil.
func (that *Game) PlayerByConnection(connID string) *Player {
	switch {
	case that.Player1 != nil && that.Player1.ConnectionID == connID:
		return that.Player1
	case that.Player2 != nil && that.Player2.ConnectionID == connID:
		return that.Player2
	default:
		return nil
	}
}

// Opponent returns the other seat of connID, or nil when it is empty or connID is not seated.
func (that *Game) Opponent(connID string) *Player {
	switch {
	case that.Player1 != nil && that.Player1.ConnectionID == connID:
		return that.Player2
	case that.Player2 != nil && that.Player2.ConnectionID == connID:
		return that.Player1
	default:
		return nil
	}
}

// ConnectionIDs returns the connections seated in the game.
func (that *Game) ConnectionIDs() []string {
	ids := make([]string, 0, 2)
	if that.Player1 != nil {
		ids = append(ids, that.Player1.ConnectionID)
	}
	if that.Player2 != nil {
		ids = append(ids, that.Player2.ConnectionID)
	}
	return ids
}

// Clone returns a deep copy safe to hand out of the registry.
func (that *Game) Clone() *Game {
	clone := *that
	if that.Player1 != nil {
		p1 := *that.Player1
		clone.Player1 = &p1
	}
	if that.Player2 != nil {
		p2 := *that.Player2
		clone.Player2 = &p2
	}
	return &clone
}

// LobbyListing is the public summary of a game that can still be joined.
type LobbyListing struct {
	ID          string `json:"id"`
	Player1     string `json:"player1"`
	PlayerCount int    `json:"playerCount"`
	Status      Status `json:"status"`
}

// GameRecord is the persisted result of a finished game.
type GameRecord struct {
	ID          string    `json:"id"`
	Player1Name string    `json:"player1"`
	Player2Name string    `json:"player2"`
	WinnerName  string    `json:"winner"`
	CreatedAt   time.Time `json:"createdAt"`
}
