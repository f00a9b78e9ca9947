package session

import (
	cryptorand "crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
)

const maxSessionIDLength = 256

var sessionNameSanitizer = regexp.MustCompile(`[^a-z0-9\-]`)

var (
	entropyMu   sync.Mutex
	ulidEntropy = ulid.Monotonic(cryptorand.Reader, 0)
)

// GenerateSessionID returns a unique session id starting with base. Passing
// a family name as base ("firefox") yields ids the prefix naming convention
// routes to that family.
func GenerateSessionID(base string) string {
	base = strings.ToLower(strings.TrimSpace(base))
	base = strings.ReplaceAll(base, " ", "-")
	base = sessionNameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "session"
	}

	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
	entropyMu.Unlock()
	return fmt.Sprintf("%s-%s", base, strings.ToLower(id))
}

// ValidateSessionID rejects ids that cannot name a session.
func ValidateSessionID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fleeterrors.New(fleeterrors.ErrCodeInvalidInput, "session id is empty")
	case len(id) > maxSessionIDLength:
		return fleeterrors.Newf(fleeterrors.ErrCodeInvalidInput, "session id longer than %d bytes", maxSessionIDLength)
	}
	return nil
}
