package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var idCounter int64

// NewUniqueID generates a time-prefixed, counter-suffixed, random-embedded id
// that is guaranteed unique for the process lifetime: <unixNanoPrefix>-<counter>-<random>.
// The time prefix keeps ids roughly sortable by admission order; the counter
// guards against two ids being minted within the same clock tick; the random
// suffix keeps ids unguessable across process restarts.
func NewUniqueID() string {
	seq := atomic.AddInt64(&idCounter, 1)
	var randBytes [4]byte
	_, _ = rand.Read(randBytes[:])
	return fmt.Sprintf("%d-%d-%s", time.Now().UnixNano(), seq, hex.EncodeToString(randBytes[:]))
}

// NewConnectionID generates a unique id for a client or client-manager connection.
func NewConnectionID() string {
	return uuid.New().String()
}
