package usecase

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// AnonymousName is used when a connection registers without a name.
const AnonymousName = "Anonymous"

// PresenceTracker keeps the display names of the connections that are online.
type PresenceTracker struct {
	logger *slog.Logger

	// notifyMu keeps notifications in mutation order
	notifyMu sync.Mutex
	mu       sync.RWMutex
	online   map[string]string
	notify   func(users []string)
}

func NewPresenceTracker(logger *slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		logger: logger.With("component", "presence"),
		online: make(map[string]string),
	}
}

// OnChange registers the callback invoked with a fresh snapshot after every change.
func (that *PresenceTracker) OnChange(fn func(users []string)) {
	that.notifyMu.Lock()
	defer that.notifyMu.Unlock()

	that.notify = fn
}

// Register inserts or renames the connection.
func (that *PresenceTracker) Register(connID, name string) {
	name = NormalizeName(name)

	that.notifyMu.Lock()
	defer that.notifyMu.Unlock()

	that.mu.Lock()
	that.online[connID] = name
	that.mu.Unlock()

	that.logger.Info("user registered", "connID", connID, "name", name)

	that.changed()
}

// Unregister removes the connection.
func (that *PresenceTracker) Unregister(connID string) {
	that.notifyMu.Lock()
	defer that.notifyMu.Unlock()

	that.mu.Lock()
	delete(that.online, connID)
	that.mu.Unlock()

	that.changed()
}

// ListOnline returns a snapshot of the online names.
func (that *PresenceTracker) ListOnline() []string {
	that.mu.RLock()
	defer that.mu.RUnlock()

	users := make([]string, 0, len(that.online))
	for _, name := range that.online {
		users = append(users, name)
	}
	sort.Strings(users)

	return users
}

// Name returns the display name of a registered connection.
func (that *PresenceTracker) Name(connID string) (string, bool) {
	that.mu.RLock()
	defer that.mu.RUnlock()

	name, ok := that.online[connID]

	return name, ok
}

// changed must be called with notifyMu held.
func (that *PresenceTracker) changed() {
	if that.notify == nil {
		return
	}

	that.notify(that.ListOnline())
}

// NormalizeName trims a display name and falls back to AnonymousName.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return AnonymousName
	}

	return name
}
