package provision

import (
	"crypto/rand"
	"fmt"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const idLength = 12

// generateID returns a 12-char lowercase alphanumeric instance id (§4.4
// step 1). It is not a UUID: the spec calls for a short opaque token
// that reads cleanly in provider service names and dashboard URLs.
func generateID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}
