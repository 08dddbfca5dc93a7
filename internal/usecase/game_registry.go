package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rocketscienceinc/tictactoe-arena/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-arena/internal/entity"
	"github.com/rocketscienceinc/tictactoe-arena/internal/pkg"
	"github.com/rocketscienceinc/tictactoe-arena/internal/scheduler"
	"github.com/rocketscienceinc/tictactoe-arena/internal/tictactoe"
)

const (
	DefaultCleanupDelay = 5 * time.Second
	DefaultSaveTimeout  = 5 * time.Second
)

// HistoryGateway stores finished games. It is the only storage the registry talks to.
type HistoryGateway interface {
	Save(ctx context.Context, record entity.GameRecord) error
	RecentHistory(ctx context.Context, limit int) ([]entity.GameRecord, error)
}

type RegistryConfig struct {
	CleanupDelay time.Duration
	SaveTimeout  time.Duration
}

// MoveOutcome is the result of an accepted move. Game is a snapshot taken
// right after the move; WinnerName is set only when the move ended the game.
type MoveOutcome struct {
	Game       *entity.Game
	Move       tictactoe.MoveResult
	WinnerName string
}

// ForfeitOutcome describes what a disconnect did to the game of the connection.
type ForfeitOutcome struct {
	GameID     string
	Forfeit    bool
	Removed    bool
	Winner     *entity.Player
	WinnerName string
}

type gameEntry struct {
	mu      sync.Mutex
	game    *entity.Game
	removed bool
}

// GameRegistry owns every live game and the connection → game index. Each
// game has its own lock, so actions on one game are linearizable while
// different games never wait for each other. Lock order is entry, then registry.
type GameRegistry struct {
	logger    *slog.Logger
	history   HistoryGateway
	scheduler scheduler.Scheduler
	conf      RegistryConfig

	mu               sync.RWMutex
	games            map[string]*gameEntry
	connectionToGame map[string]string

	saves     sync.WaitGroup
	onCleanup func(gameID string)
	onMove    func(outcome MoveOutcome)
	newID     func() string
	now       func() time.Time
}

func NewGameRegistry(logger *slog.Logger, history HistoryGateway, sched scheduler.Scheduler, conf RegistryConfig) *GameRegistry {
	if conf.CleanupDelay <= 0 {
		conf.CleanupDelay = DefaultCleanupDelay
	}

	if conf.SaveTimeout <= 0 {
		conf.SaveTimeout = DefaultSaveTimeout
	}

	return &GameRegistry{
		logger:    logger.With("component", "game_registry"),
		history:   history,
		scheduler: sched,
		conf:      conf,

		games:            make(map[string]*gameEntry),
		connectionToGame: make(map[string]string),

		newID: pkg.GenerateGameID,
		now:   time.Now,
	}
}

// OnCleanup registers a hook called after a finished game leaves the registry.
func (that *GameRegistry) OnCleanup(fn func(gameID string)) {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.onCleanup = fn
}

// OnMove registers a hook called for every accepted move. It runs while the
// game is still locked, so hooks see moves of one game in the order they were
// applied. The hook must not block or call back into the registry.
func (that *GameRegistry) OnMove(fn func(outcome MoveOutcome)) {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.onMove = fn
}

// Create opens a waiting game with connID as player1.
func (that *GameRegistry) Create(connID, name string) (*entity.Game, error) {
	if err := that.ensureFree(connID); err != nil {
		return nil, err
	}

	game := tictactoe.NewGame(that.newID(), connID, name)
	game.CreatedAt = that.now()

	that.mu.Lock()
	that.games[game.ID] = &gameEntry{game: game}
	that.connectionToGame[connID] = game.ID
	that.mu.Unlock()

	that.logger.Info("game created", "gameID", game.ID, "connID", connID)

	return game.Clone(), nil
}

// Join seats connID as player2. Concurrent joins are serialized on the game,
// so exactly one succeeds and the rest get ErrFull.
func (that *GameRegistry) Join(gameID, connID, name string) (*entity.Game, error) {
	entry := that.entry(gameID)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", apperror.ErrNotFound, gameID)
	}

	if err := that.ensureFree(connID); err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return nil, fmt.Errorf("%w: %s", apperror.ErrNotFound, gameID)
	}

	if entry.game.PlayerByConnection(connID) != nil {
		return nil, fmt.Errorf("%w: already seated in game %s", apperror.ErrInvalidState, gameID)
	}

	if err := tictactoe.Join(entry.game, connID, name); err != nil {
		return nil, fmt.Errorf("failed to join game: %w", err)
	}

	that.mu.Lock()
	that.connectionToGame[connID] = gameID
	that.mu.Unlock()

	that.logger.Info("player joined", "gameID", gameID, "connID", connID)

	return entry.game.Clone(), nil
}

// Move applies a move. A move that ends the game finishes it before the
// game lock is released, so no later move can see it playing.
func (that *GameRegistry) Move(gameID, connID string, position int) (MoveOutcome, error) {
	entry := that.entry(gameID)
	if entry == nil {
		return MoveOutcome{}, fmt.Errorf("%w: %s", apperror.ErrNotFound, gameID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return MoveOutcome{}, fmt.Errorf("%w: %s", apperror.ErrNotFound, gameID)
	}

	result, err := tictactoe.ApplyMove(entry.game, connID, position)
	if err != nil {
		return MoveOutcome{}, fmt.Errorf("failed to make move: %w", err)
	}

	outcome := MoveOutcome{Move: result}

	if result.Outcome.IsTerminal() {
		winnerName, err := that.finishLocked(entry, result.Outcome)
		if err != nil {
			return MoveOutcome{}, err
		}

		outcome.WinnerName = winnerName
	}

	outcome.Game = entry.game.Clone()

	that.mu.RLock()
	hook := that.onMove
	that.mu.RUnlock()

	if hook != nil {
		hook(outcome)
	}

	return outcome, nil
}

// Finish marks the game finished, stores the result in the background and
// schedules its cleanup. It returns the winner display name.
func (that *GameRegistry) Finish(gameID string, outcome entity.Outcome) (string, error) {
	entry := that.entry(gameID)
	if entry == nil {
		return "", fmt.Errorf("%w: %s", apperror.ErrNotFound, gameID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return "", fmt.Errorf("%w: %s", apperror.ErrNotFound, gameID)
	}

	return that.finishLocked(entry, outcome)
}

func (that *GameRegistry) finishLocked(entry *gameEntry, outcome entity.Outcome) (string, error) {
	game := entry.game

	if err := tictactoe.Finish(game, outcome); err != nil {
		return "", fmt.Errorf("failed to finish game: %w", err)
	}

	winnerName := tictactoe.WinnerDisplayName(game, outcome)

	record := entity.GameRecord{
		ID:          game.ID,
		Player1Name: game.Player1.Name,
		WinnerName:  winnerName,
		CreatedAt:   that.now(),
	}
	if game.Player2 != nil {
		record.Player2Name = game.Player2.Name
	}

	that.persist(record)

	that.scheduler.Schedule(cleanupKey(game.ID), that.conf.CleanupDelay, func() {
		that.Cleanup(game.ID)
	})

	that.logger.Info("game finished", "gameID", game.ID, "outcome", string(outcome), "winner", winnerName)

	return winnerName, nil
}

// persist writes the record off the caller's goroutine. Storage failures are
// logged and never touch the in-memory game.
func (that *GameRegistry) persist(record entity.GameRecord) {
	if that.history == nil {
		return
	}

	that.saves.Add(1)
	go func() {
		defer that.saves.Done()

		log := that.logger.With("method", "persist", "gameID", record.ID)

		ctx, cancel := context.WithTimeout(context.Background(), that.conf.SaveTimeout)
		defer cancel()

		if err := that.history.Save(ctx, record); err != nil {
			log.Error("failed to save game result", "error", err)
			return
		}

		log.Debug("game result saved")
	}()
}

// Cleanup drops a game and its index entries. Calling it for an unknown or
// already removed game is a no-op.
func (that *GameRegistry) Cleanup(gameID string) {
	entry := that.entry(gameID)
	if entry == nil {
		return
	}

	entry.mu.Lock()
	if entry.removed {
		entry.mu.Unlock()
		return
	}
	that.removeLocked(entry)
	entry.mu.Unlock()

	that.scheduler.Cancel(cleanupKey(gameID))

	that.logger.Info("game cleaned up", "gameID", gameID)

	that.mu.RLock()
	hook := that.onCleanup
	that.mu.RUnlock()

	if hook != nil {
		hook(gameID)
	}
}

// removeLocked must be called with entry.mu held.
func (that *GameRegistry) removeLocked(entry *gameEntry) {
	entry.removed = true
	game := entry.game

	that.mu.Lock()
	defer that.mu.Unlock()

	if that.games[game.ID] == entry {
		delete(that.games, game.ID)
	}

	for _, connID := range game.ConnectionIDs() {
		if that.connectionToGame[connID] == game.ID {
			delete(that.connectionToGame, connID)
		}
	}
}

// Disconnect resolves what a lost connection means for its game: a waiting
// game disappears, a playing game is won by the opponent, a finished game
// only forgets the connection.
func (that *GameRegistry) Disconnect(connID string) ForfeitOutcome {
	log := that.logger.With("method", "Disconnect", "connID", connID)

	that.mu.RLock()
	gameID, ok := that.connectionToGame[connID]
	entry := that.games[gameID]
	that.mu.RUnlock()

	if !ok {
		return ForfeitOutcome{}
	}

	if entry == nil {
		that.dropIndex(connID, gameID)
		return ForfeitOutcome{}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		that.dropIndex(connID, gameID)
		return ForfeitOutcome{}
	}

	game := entry.game

	switch game.Status {
	case entity.StatusWaiting:
		that.removeLocked(entry)
		that.scheduler.Cancel(cleanupKey(gameID))

		log.Info("waiting game removed", "gameID", gameID)

		return ForfeitOutcome{GameID: gameID, Removed: true}

	case entity.StatusPlaying:
		survivor := game.Opponent(connID)
		if survivor == nil {
			that.dropIndex(connID, gameID)
			return ForfeitOutcome{GameID: gameID}
		}

		winnerName, err := that.finishLocked(entry, entity.Outcome(survivor.Symbol))
		if err != nil {
			log.Error("failed to finish game by forfeit", "gameID", gameID, "error", err)
			return ForfeitOutcome{GameID: gameID}
		}

		that.dropIndex(connID, gameID)

		winner := *survivor

		return ForfeitOutcome{
			GameID:     gameID,
			Forfeit:    true,
			Winner:     &winner,
			WinnerName: winnerName,
		}

	default:
		that.dropIndex(connID, gameID)
		return ForfeitOutcome{GameID: gameID}
	}
}

// ActiveGames returns the lobby listings of the waiting games as they are now.
// The sequence can be ranged over many times and never sees later changes.
func (that *GameRegistry) ActiveGames() iter.Seq[entity.LobbyListing] {
	that.mu.RLock()
	entries := make([]*gameEntry, 0, len(that.games))
	for _, entry := range that.games {
		entries = append(entries, entry)
	}
	that.mu.RUnlock()

	type listed struct {
		listing   entity.LobbyListing
		createdAt time.Time
	}

	snapshot := make([]listed, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.removed {
			if listing, ok := tictactoe.ToLobbyListing(entry.game); ok {
				snapshot = append(snapshot, listed{listing: listing, createdAt: entry.game.CreatedAt})
			}
		}
		entry.mu.Unlock()
	}

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].createdAt.Equal(snapshot[j].createdAt) {
			return snapshot[i].listing.ID < snapshot[j].listing.ID
		}
		return snapshot[i].createdAt.Before(snapshot[j].createdAt)
	})

	return func(yield func(entity.LobbyListing) bool) {
		for _, item := range snapshot {
			if !yield(item.listing) {
				return
			}
		}
	}
}

// Game returns a copy of the game.
func (that *GameRegistry) Game(gameID string) (*entity.Game, error) {
	entry := that.entry(gameID)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", apperror.ErrNotFound, gameID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return nil, fmt.Errorf("%w: %s", apperror.ErrNotFound, gameID)
	}

	return entry.game.Clone(), nil
}

// Subscribers returns the connections that receive the game's broadcasts.
func (that *GameRegistry) Subscribers(gameID string) []string {
	entry := that.entry(gameID)
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return nil
	}

	return entry.game.ConnectionIDs()
}

// GameIDByConnection returns the game the connection is seated in.
func (that *GameRegistry) GameIDByConnection(connID string) (string, bool) {
	that.mu.RLock()
	defer that.mu.RUnlock()

	gameID, ok := that.connectionToGame[connID]

	return gameID, ok
}

// Close cancels pending cleanups and waits for in-flight saves.
func (that *GameRegistry) Close(ctx context.Context) error {
	that.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		that.saves.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for game results to be saved: %w", ctx.Err())
	}
}

func (that *GameRegistry) entry(gameID string) *gameEntry {
	that.mu.RLock()
	defer that.mu.RUnlock()

	return that.games[gameID]
}

// ensureFree rejects connections that already sit in an unfinished game.
// Events of one connection are handled sequentially, so the check cannot race
// with another Create or Join from the same connection.
func (that *GameRegistry) ensureFree(connID string) error {
	that.mu.RLock()
	gameID, ok := that.connectionToGame[connID]
	entry := that.games[gameID]
	that.mu.RUnlock()

	if !ok || entry == nil {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.removed && !entry.game.IsFinished() {
		return fmt.Errorf("%w: connection already in game %s", apperror.ErrInvalidState, gameID)
	}

	return nil
}

func (that *GameRegistry) dropIndex(connID, gameID string) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.connectionToGame[connID] == gameID {
		delete(that.connectionToGame, connID)
	}
}

func cleanupKey(gameID string) string {
	return "cleanup:" + gameID
}

// IsRuleViolation reports whether err is an expected rejection rather than an internal failure.
func IsRuleViolation(err error) bool {
	for _, target := range []error{
		apperror.ErrNotFound,
		apperror.ErrInvalidState,
		apperror.ErrForbidden,
		apperror.ErrNotYourTurn,
		apperror.ErrOccupied,
		apperror.ErrFull,
		apperror.ErrInvalidPosition,
		apperror.ErrInvalidPayload,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}
