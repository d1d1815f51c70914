package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// GenerateSecureToken returns an opaque random token. Tokens carry no
// embedded claims; all session state lives server-side.
func GenerateSecureToken(numBytes int) (string, error) {
	if numBytes < 16 {
		numBytes = 16
	}
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken derives the storage form of a token. Plaintext tokens are never
// persisted or logged.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Fingerprint derives a stable device fingerprint from the handshake
// attributes. Changing any component yields a different fingerprint.
func Fingerprint(originAddr, userAgent, clientLabel string) string {
	sum := sha256.Sum256([]byte(originAddr + "\x00" + userAgent + "\x00" + clientLabel))
	return hex.EncodeToString(sum[:])
}
