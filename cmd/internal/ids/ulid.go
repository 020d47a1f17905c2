// Package ids provides the identifier primitives shared by the sync core and its transports.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort lexicographically by creation time.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error.
// It falls back to random hex if the entropy source fails.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return NewRandomHex(16)
	}
	return id
}

// NewLocalMessageID returns the id of a pending message created on this client.
func NewLocalMessageID(now time.Time) string { return "local-" + MustULID(now) }

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string { return MustULID(now) }

// NewRequestID returns the correlation id of a history request.
func NewRequestID(now time.Time) string { return "req-" + MustULID(now) }

// NewRandomHex returns a random hex string of length 2*nBytes (16 bytes when nBytes <= 0).
// It returns "" if the entropy source fails.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
