package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Subscribers and locally stamped messages use it so log output sorts by creation.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCorrelationID returns a random UUID used to pair requests with replies.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewClientID returns the identity a transport uses before the remote side
// assigns it a connection id.
func NewClientID() string {
	return uuid.Must(uuid.NewV7()).String()
}
