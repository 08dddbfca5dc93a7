package pkg

import "github.com/google/uuid"

// GenerateGameID - generates a new unique game id.
func GenerateGameID() string {
	return uuid.NewString()
}

// GenerateConnectionID - generates the identity of a freshly accepted connection.
func GenerateConnectionID() string {
	return uuid.NewString()
}
