package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rocketscienceinc/tictactoe-arena/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-arena/internal/entity"
	"github.com/rocketscienceinc/tictactoe-arena/internal/scheduler"
)

var errDatabaseDown = errors.New("database down")

type historyMock struct {
	mock.Mock
}

func (that *historyMock) Save(ctx context.Context, record entity.GameRecord) error {
	args := that.Called(ctx, record)
	return args.Error(0)
}

func (that *historyMock) RecentHistory(ctx context.Context, limit int) ([]entity.GameRecord, error) {
	args := that.Called(ctx, limit)
	records, _ := args.Get(0).([]entity.GameRecord)
	return records, args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, history HistoryGateway) (*GameRegistry, *scheduler.Fake) {
	t.Helper()

	sched := scheduler.NewFake()
	registry := NewGameRegistry(discardLogger(), history, sched, RegistryConfig{CleanupDelay: 5 * time.Second})

	return registry, sched
}

// waitForSaves flushes the background saves so mock expectations can be checked.
func waitForSaves(t *testing.T, registry *GameRegistry) {
	t.Helper()

	registry.saves.Wait()
}

func recordFor(winner string) any {
	return mock.MatchedBy(func(record entity.GameRecord) bool {
		return record.Player1Name == "Ann" && record.Player2Name == "Bo" && record.WinnerName == winner
	})
}

func startGame(t *testing.T, registry *GameRegistry) string {
	t.Helper()

	game, err := registry.Create("conn1", "Ann")
	require.NoError(t, err)

	_, err = registry.Join(game.ID, "conn2", "Bo")
	require.NoError(t, err)

	return game.ID
}

func play(t *testing.T, registry *GameRegistry, gameID string, positions ...int) MoveOutcome {
	t.Helper()

	var outcome MoveOutcome
	for i, position := range positions {
		conn := "conn1"
		if i%2 == 1 {
			conn = "conn2"
		}

		var err error
		outcome, err = registry.Move(gameID, conn, position)
		require.NoError(t, err, "move %d at %d", i, position)
	}

	return outcome
}

func TestGameRegistry_Create(t *testing.T) {
	t.Run("Creates a waiting game listed in the lobby", func(t *testing.T) {
		// Given: an empty registry
		registry, _ := newTestRegistry(t, nil)

		// When: a connection creates a game
		game, err := registry.Create("conn1", "Ann")

		// Then: the game waits for an opponent and is joinable
		require.NoError(t, err)
		assert.NotEmpty(t, game.ID)
		assert.Equal(t, entity.StatusWaiting, game.Status)
		assert.False(t, game.CreatedAt.IsZero())

		gameID, ok := registry.GameIDByConnection("conn1")
		require.True(t, ok)
		assert.Equal(t, game.ID, gameID)

		listings := slices.Collect(registry.ActiveGames())
		assert.Equal(t, []entity.LobbyListing{{ID: game.ID, Player1: "Ann", PlayerCount: 1, Status: entity.StatusWaiting}}, listings)
	})

	t.Run("Returned game is a copy", func(t *testing.T) {
		registry, _ := newTestRegistry(t, nil)

		game, err := registry.Create("conn1", "Ann")
		require.NoError(t, err)
		game.Status = entity.StatusFinished

		stored, err := registry.Game(game.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusWaiting, stored.Status)
	})

	t.Run("A connection cannot own two unfinished games", func(t *testing.T) {
		registry, _ := newTestRegistry(t, nil)

		_, err := registry.Create("conn1", "Ann")
		require.NoError(t, err)

		_, err = registry.Create("conn1", "Ann")
		require.ErrorIs(t, err, apperror.ErrInvalidState)
	})
}

func TestGameRegistry_Join(t *testing.T) {
	t.Run("Second connection starts the game", func(t *testing.T) {
		registry, _ := newTestRegistry(t, nil)
		created, err := registry.Create("conn1", "Ann")
		require.NoError(t, err)

		game, err := registry.Join(created.ID, "conn2", "Bo")

		require.NoError(t, err)
		assert.Equal(t, entity.StatusPlaying, game.Status)
		assert.Equal(t, "Bo", game.Player2.Name)
		assert.Equal(t, []string{"conn1", "conn2"}, registry.Subscribers(created.ID))
		assert.Empty(t, slices.Collect(registry.ActiveGames()))
	})

	t.Run("Unknown game", func(t *testing.T) {
		registry, _ := newTestRegistry(t, nil)

		_, err := registry.Join("missing", "conn2", "Bo")

		require.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("Creator cannot join its own game", func(t *testing.T) {
		registry, _ := newTestRegistry(t, nil)
		created, err := registry.Create("conn1", "Ann")
		require.NoError(t, err)

		_, err = registry.Join(created.ID, "conn1", "Ann")

		require.ErrorIs(t, err, apperror.ErrInvalidState)
	})

	t.Run("Concurrent joins: exactly one wins, the rest get ErrFull", func(t *testing.T) {
		// Given: a waiting game
		registry, _ := newTestRegistry(t, nil)
		created, err := registry.Create("conn1", "Ann")
		require.NoError(t, err)

		// When: many connections join at the same time
		const racers = 32
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			full      atomic.Int32
			winner    atomic.Value
		)

		start := make(chan struct{})
		for i := range racers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start

				connID := fmt.Sprintf("racer-%d", i)
				_, err := registry.Join(created.ID, connID, connID)
				switch {
				case err == nil:
					successes.Add(1)
					winner.Store(connID)
				case errors.Is(err, apperror.ErrFull):
					full.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		// Then: exactly one joiner is seated as player2
		assert.EqualValues(t, 1, successes.Load())
		assert.EqualValues(t, racers-1, full.Load())

		game, err := registry.Game(created.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusPlaying, game.Status)
		assert.Equal(t, winner.Load(), game.Player2.ConnectionID)
	})
}

func TestGameRegistry_Move(t *testing.T) {
	t.Run("End-to-end: player X wins the top row", func(t *testing.T) {
		// Given: Ann and Bo are playing
		history := &historyMock{}
		history.On("Save", mock.Anything, recordFor("Ann")).Return(nil).Once()
		registry, sched := newTestRegistry(t, history)
		gameID := startGame(t, registry)

		// When: they play 0, 3, 1, 4, 2
		outcome := play(t, registry, gameID, 0, 3, 1, 4, 2)

		// Then: X wins, Ann is the winner and the result is stored once
		x, o, e := entity.SymbolX, entity.SymbolO, entity.EmptyCell
		assert.Equal(t, entity.OutcomeX, outcome.Move.Outcome)
		assert.Equal(t, "Ann", outcome.WinnerName)
		assert.Equal(t, entity.Board{x, x, x, o, o, e, e, e, e}, outcome.Move.Board)
		assert.Equal(t, entity.StatusFinished, outcome.Game.Status)
		assert.True(t, sched.Has(cleanupKey(gameID)))

		waitForSaves(t, registry)
		history.AssertExpectations(t)
	})

	t.Run("Draw", func(t *testing.T) {
		history := &historyMock{}
		history.On("Save", mock.Anything, recordFor(entity.DrawName)).Return(nil).Once()
		registry, _ := newTestRegistry(t, history)
		gameID := startGame(t, registry)

		outcome := play(t, registry, gameID, 0, 1, 2, 4, 3, 5, 7, 6, 8)

		assert.Equal(t, entity.OutcomeDraw, outcome.Move.Outcome)
		assert.Equal(t, entity.DrawName, outcome.WinnerName)

		waitForSaves(t, registry)
		history.AssertExpectations(t)
	})

	t.Run("Finished games reject further moves", func(t *testing.T) {
		history := &historyMock{}
		history.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
		registry, _ := newTestRegistry(t, history)
		gameID := startGame(t, registry)
		play(t, registry, gameID, 0, 3, 1, 4, 2)

		_, err := registry.Move(gameID, "conn2", 5)

		require.ErrorIs(t, err, apperror.ErrInvalidState)
		waitForSaves(t, registry)
	})

	t.Run("Rule violations leave the game untouched", func(t *testing.T) {
		registry, _ := newTestRegistry(t, nil)
		gameID := startGame(t, registry)
		play(t, registry, gameID, 4)
		before, err := registry.Game(gameID)
		require.NoError(t, err)

		_, err = registry.Move(gameID, "conn1", 0)
		require.ErrorIs(t, err, apperror.ErrNotYourTurn)

		_, err = registry.Move(gameID, "conn2", 4)
		require.ErrorIs(t, err, apperror.ErrOccupied)

		_, err = registry.Move(gameID, "stranger", 0)
		require.ErrorIs(t, err, apperror.ErrForbidden)

		_, err = registry.Move("missing", "conn1", 0)
		require.ErrorIs(t, err, apperror.ErrNotFound)

		after, err := registry.Game(gameID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("Concurrent moves never corrupt the board", func(t *testing.T) {
		// Given: a playing game with a storage that accepts everything
		history := &historyMock{}
		history.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
		registry, _ := newTestRegistry(t, history)
		gameID := startGame(t, registry)

		// When: both players hammer every cell at once
		var wg sync.WaitGroup
		var accepted atomic.Int32
		for _, conn := range []string{"conn1", "conn2"} {
			for position := range entity.BoardSize {
				wg.Add(1)
				go func(conn string, position int) {
					defer wg.Done()
					if _, err := registry.Move(gameID, conn, position); err == nil {
						accepted.Add(1)
					}
				}(conn, position)
			}
		}
		wg.Wait()
		waitForSaves(t, registry)

		// Then: turns alternated strictly on the committed board
		game, err := registry.Game(gameID)
		require.NoError(t, err)

		var xs, os int32
		for _, cell := range game.Board {
			switch cell {
			case entity.SymbolX:
				xs++
			case entity.SymbolO:
				os++
			}
		}
		assert.Equal(t, accepted.Load(), xs+os)
		assert.Contains(t, []int32{0, 1}, xs-os)
	})

	t.Run("Move hook sees moves in the order they were applied", func(t *testing.T) {
		// Given: a hook that records the filled cell count of every published board
		history := &historyMock{}
		history.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
		registry, _ := newTestRegistry(t, history)
		gameID := startGame(t, registry)

		var (
			seen     []int
			unlocked bool
		)
		registry.OnMove(func(outcome MoveOutcome) {
			entry := registry.entry(gameID)
			if entry.mu.TryLock() {
				unlocked = true
				entry.mu.Unlock()
			}

			filled := 0
			for _, cell := range outcome.Move.Board {
				if cell != entity.EmptyCell {
					filled++
				}
			}
			seen = append(seen, filled)
		})

		// When: both players race for every cell
		var wg sync.WaitGroup
		for _, conn := range []string{"conn1", "conn2"} {
			for position := range entity.BoardSize {
				wg.Add(1)
				go func(conn string, position int) {
					defer wg.Done()
					_, _ = registry.Move(gameID, conn, position)
				}(conn, position)
			}
		}
		wg.Wait()
		waitForSaves(t, registry)

		// Then: the hook ran with the game locked and each board has exactly one more mark
		assert.False(t, unlocked)
		require.NotEmpty(t, seen)
		for i, filled := range seen {
			assert.Equal(t, i+1, filled)
		}
	})

	t.Run("Rejected moves are not published", func(t *testing.T) {
		registry, _ := newTestRegistry(t, nil)
		gameID := startGame(t, registry)
		calls := 0
		registry.OnMove(func(MoveOutcome) { calls++ })

		_, err := registry.Move(gameID, "conn2", 0)
		require.ErrorIs(t, err, apperror.ErrNotYourTurn)
		play(t, registry, gameID, 4)

		assert.Equal(t, 1, calls)
	})

	t.Run("Storage failure does not affect the game", func(t *testing.T) {
		// Given: a storage that always fails
		history := &historyMock{}
		history.On("Save", mock.Anything, mock.Anything).Return(errDatabaseDown).Once()
		registry, _ := newTestRegistry(t, history)
		gameID := startGame(t, registry)

		// When: the game ends
		outcome := play(t, registry, gameID, 0, 3, 1, 4, 2)
		waitForSaves(t, registry)

		// Then: the game is still finished with its winner
		assert.Equal(t, "Ann", outcome.WinnerName)
		game, err := registry.Game(gameID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusFinished, game.Status)
		history.AssertExpectations(t)
	})
}

func TestGameRegistry_Finish(t *testing.T) {
	t.Run("Finish is applied once", func(t *testing.T) {
		history := &historyMock{}
		history.On("Save", mock.Anything, recordFor("Bo")).Return(nil).Once()
		registry, _ := newTestRegistry(t, history)
		gameID := startGame(t, registry)

		winnerName, err := registry.Finish(gameID, entity.OutcomeO)
		require.NoError(t, err)
		assert.Equal(t, "Bo", winnerName)

		_, err = registry.Finish(gameID, entity.OutcomeX)
		require.ErrorIs(t, err, apperror.ErrInvalidState)

		waitForSaves(t, registry)
		history.AssertExpectations(t)
	})

	t.Run("Waiting game cannot be finished", func(t *testing.T) {
		// Given: a game nobody has joined
		history := &historyMock{}
		registry, sched := newTestRegistry(t, history)
		game, err := registry.Create("conn1", "Ann")
		require.NoError(t, err)

		// When: it is finished
		_, err = registry.Finish(game.ID, entity.OutcomeX)

		// Then: it stays waiting, nothing is stored and no cleanup is scheduled
		require.ErrorIs(t, err, apperror.ErrInvalidState)
		current, err := registry.Game(game.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusWaiting, current.Status)
		assert.Nil(t, current.Player2)
		assert.False(t, sched.Has(cleanupKey(game.ID)))
		waitForSaves(t, registry)
		history.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("Non-terminal outcome is rejected", func(t *testing.T) {
		history := &historyMock{}
		registry, sched := newTestRegistry(t, history)
		gameID := startGame(t, registry)

		_, err := registry.Finish(gameID, entity.OutcomeNone)

		require.ErrorIs(t, err, apperror.ErrInvalidState)
		current, err := registry.Game(gameID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusPlaying, current.Status)
		assert.False(t, sched.Has(cleanupKey(gameID)))
		waitForSaves(t, registry)
		history.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("Unknown game", func(t *testing.T) {
		registry, _ := newTestRegistry(t, nil)

		_, err := registry.Finish("missing", entity.OutcomeX)

		require.ErrorIs(t, err, apperror.ErrNotFound)
	})
}

func TestGameRegistry_Cleanup(t *testing.T) {
	t.Run("Finished game disappears after the grace delay", func(t *testing.T) {
		// Given: a finished game and a cleanup hook
		registry, sched := newTestRegistry(t, nil)
		var cleaned []string
		registry.OnCleanup(func(gameID string) { cleaned = append(cleaned, gameID) })
		gameID := startGame(t, registry)
		play(t, registry, gameID, 0, 3, 1, 4, 2)

		// When: less than the delay passes
		sched.Advance(4 * time.Second)

		// Then: the final state is still reachable
		_, err := registry.Game(gameID)
		require.NoError(t, err)

		// When: the delay elapses
		sched.Advance(time.Second)

		// Then: the game and both index entries are gone
		_, err = registry.Game(gameID)
		require.ErrorIs(t, err, apperror.ErrNotFound)
		_, ok := registry.GameIDByConnection("conn1")
		assert.False(t, ok)
		_, ok = registry.GameIDByConnection("conn2")
		assert.False(t, ok)
		assert.Equal(t, []string{gameID}, cleaned)
		assert.Nil(t, registry.Subscribers(gameID))
	})

	t.Run("Repeated cleanup is a no-op", func(t *testing.T) {
		registry, sched := newTestRegistry(t, nil)
		calls := 0
		registry.OnCleanup(func(string) { calls++ })
		gameID := startGame(t, registry)
		play(t, registry, gameID, 0, 3, 1, 4, 2)

		registry.Cleanup(gameID)
		registry.Cleanup(gameID)
		registry.Cleanup("never-existed")
		sched.Advance(time.Minute)

		assert.Equal(t, 1, calls)
		assert.Zero(t, sched.Pending())
	})

	t.Run("Cleanup keeps index entries that moved to a newer game", func(t *testing.T) {
		// Given: a finished game whose creator already opened a new one
		registry, sched := newTestRegistry(t, nil)
		gameID := startGame(t, registry)
		play(t, registry, gameID, 0, 3, 1, 4, 2)

		next, err := registry.Create("conn1", "Ann")
		require.NoError(t, err)

		// When: the old game is cleaned up
		sched.Advance(5 * time.Second)

		// Then: the creator still owns the new game
		current, ok := registry.GameIDByConnection("conn1")
		require.True(t, ok)
		assert.Equal(t, next.ID, current)
	})
}

func TestGameRegistry_Disconnect(t *testing.T) {
	t.Run("Waiting game is removed without a winner", func(t *testing.T) {
		// Given: a waiting game and a storage that must not be called
		history := &historyMock{}
		registry, sched := newTestRegistry(t, history)
		created, err := registry.Create("conn1", "Ann")
		require.NoError(t, err)

		// When: the creator disconnects
		outcome := registry.Disconnect("conn1")

		// Then: the game is gone and nothing is recorded
		assert.Equal(t, ForfeitOutcome{GameID: created.ID, Removed: true}, outcome)
		_, err = registry.Game(created.ID)
		require.ErrorIs(t, err, apperror.ErrNotFound)
		assert.Empty(t, slices.Collect(registry.ActiveGames()))
		assert.Zero(t, sched.Pending())

		waitForSaves(t, registry)
		history.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	for _, tc := range []struct {
		name       string
		leaving    string
		survivor   string
		winnerName string
		outcome    entity.Outcome
	}{
		{name: "player1 leaves", leaving: "conn1", survivor: "conn2", winnerName: "Bo", outcome: entity.OutcomeO},
		{name: "player2 leaves", leaving: "conn2", survivor: "conn1", winnerName: "Ann", outcome: entity.OutcomeX},
	} {
		t.Run("Playing game is forfeited when "+tc.name, func(t *testing.T) {
			// Given: a playing game
			history := &historyMock{}
			history.On("Save", mock.Anything, recordFor(tc.winnerName)).Return(nil).Once()
			registry, sched := newTestRegistry(t, history)
			gameID := startGame(t, registry)
			play(t, registry, gameID, 4)

			// When: one player disconnects
			outcome := registry.Disconnect(tc.leaving)

			// Then: the other player wins by forfeit
			require.True(t, outcome.Forfeit)
			assert.Equal(t, gameID, outcome.GameID)
			assert.Equal(t, tc.survivor, outcome.Winner.ConnectionID)
			assert.Equal(t, tc.winnerName, outcome.WinnerName)

			game, err := registry.Game(gameID)
			require.NoError(t, err)
			assert.Equal(t, entity.StatusFinished, game.Status)
			assert.Equal(t, tc.outcome, game.Outcome)

			_, ok := registry.GameIDByConnection(tc.leaving)
			assert.False(t, ok)

			// And: the game is cleaned up after the delay
			sched.Advance(5 * time.Second)
			_, err = registry.Game(gameID)
			require.ErrorIs(t, err, apperror.ErrNotFound)

			waitForSaves(t, registry)
			history.AssertExpectations(t)
		})
	}

	t.Run("Finished game only forgets the connection", func(t *testing.T) {
		history := &historyMock{}
		history.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
		registry, _ := newTestRegistry(t, history)
		gameID := startGame(t, registry)
		play(t, registry, gameID, 0, 3, 1, 4, 2)

		outcome := registry.Disconnect("conn2")

		assert.Equal(t, ForfeitOutcome{GameID: gameID}, outcome)
		_, ok := registry.GameIDByConnection("conn2")
		assert.False(t, ok)
		_, ok = registry.GameIDByConnection("conn1")
		assert.True(t, ok)

		waitForSaves(t, registry)
		history.AssertExpectations(t)
	})

	t.Run("Unknown connection is a no-op", func(t *testing.T) {
		registry, _ := newTestRegistry(t, nil)

		assert.Equal(t, ForfeitOutcome{}, registry.Disconnect("nobody"))
	})
}

func TestGameRegistry_ActiveGames(t *testing.T) {
	// Given: two waiting games and one started game
	registry, _ := newTestRegistry(t, nil)
	first, err := registry.Create("a", "Ann")
	require.NoError(t, err)
	second, err := registry.Create("b", "Bo")
	require.NoError(t, err)
	startGame(t, registry)

	// When: the listing is taken and the registry changes afterwards
	listings := registry.ActiveGames()
	_, err = registry.Create("c", "Cy")
	require.NoError(t, err)

	// Then: the listing reflects the moment it was taken, every time it is ranged
	ids := func() []string {
		var out []string
		for listing := range listings {
			out = append(out, listing.ID)
		}
		return out
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids())
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids())

	// And: early termination is honoured
	count := 0
	for range listings {
		count++
		break
	}
	assert.Equal(t, 1, count)

	assert.Len(t, slices.Collect(registry.ActiveGames()), 3)
}

func TestGameRegistry_Close(t *testing.T) {
	t.Run("Waits for in-flight saves and cancels cleanups", func(t *testing.T) {
		// Given: a save that takes a moment
		history := &historyMock{}
		release := make(chan struct{})
		history.On("Save", mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { <-release }).
			Return(nil).
			Once()
		registry, sched := newTestRegistry(t, history)
		gameID := startGame(t, registry)
		play(t, registry, gameID, 0, 3, 1, 4, 2)

		// When: the registry closes while the save is blocked
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := registry.Close(ctx)

		// Then: the caller's deadline is reported
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, sched.Pending())

		// When: the save completes
		close(release)

		// Then: a second close succeeds
		require.NoError(t, registry.Close(context.Background()))
		history.AssertExpectations(t)
	})
}
