package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPVerifier checks time-based one-time codes for sessions that invoke
// commands requiring a second factor. Secrets are keyed by client label and
// either seeded from configuration or provisioned at runtime through Enroll.
type TOTPVerifier struct {
	issuer string
	skew   uint

	mu      sync.Mutex
	secrets map[string]string
}

func NewTOTPVerifier(issuer string, secrets map[string]string) *TOTPVerifier {
	if secrets == nil {
		secrets = make(map[string]string)
	}
	return &TOTPVerifier{
		issuer:  issuer,
		secrets: secrets,
		skew:    1,
	}
}

// Verify validates a code for the given client label at the given time.
// Unknown labels fail closed.
func (v *TOTPVerifier) Verify(clientLabel, code string, at time.Time) bool {
	v.mu.Lock()
	secret, ok := v.secrets[clientLabel]
	v.mu.Unlock()
	if !ok || secret == "" {
		return false
	}
	valid, err := totp.ValidateCustom(code, secret, at.UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      v.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// Enroll provisions a fresh TOTP key for a client label and returns the
// shared secret along with the otpauth URL. Re-enrolling an already enrolled
// label is refused so a hijacked session cannot swap the secret out.
func (v *TOTPVerifier) Enroll(clientLabel string) (string, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.secrets[clientLabel]; ok {
		return "", "", fmt.Errorf("client %q already enrolled", clientLabel)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: clientLabel,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp key: %w", err)
	}
	v.secrets[clientLabel] = key.Secret()
	return key.Secret(), key.URL(), nil
}
