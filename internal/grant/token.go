// internal/grant/token.go
package grant

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// tokenBytes is the entropy of a grant token. 32 random bytes hex-encoded
// gives a 64-character opaque credential.
const tokenBytes = 32

// newToken generates a cryptographically random grant token.
func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newRecordID generates a ULID for history entries. ULIDs sort
// lexicographically by time, keeping the append-only history ordered.
func newRecordID(now time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
