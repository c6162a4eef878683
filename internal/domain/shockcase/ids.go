package shockcase

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// TrackingToken identifies an active case. It is opaque to callers and
// becomes unresolvable once the case is archived or discarded.
type TrackingToken string

// RegistryID is the human-transcribable identifier of an archive record,
// formatted NSN-XXXX-XXXX-XXXX.
type RegistryID string

// ArchiveID is the internal audit identifier of an archive record.
type ArchiveID string

const (
	registryPrefix   = "NSN"
	registryGroups   = 3
	registryGroupLen = 4

	// 32 symbols, no 0/O or 1/I. Each symbol carries exactly 5 bits.
	registryAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// RegistryIDLength is the length of a well-formed Registry ID.
const RegistryIDLength = len(registryPrefix) + registryGroups*(registryGroupLen+1)

// IDGenerator mints the identifiers used by the lifecycle. Implementations
// must be safe for concurrent use.
type IDGenerator interface {
	NewTrackingToken() TrackingToken
	NewRegistryID() RegistryID
	NewArchiveID() ArchiveID
}

type randomIDs struct {
	entropy io.Reader
}

// NewIDGenerator returns a generator backed by crypto/rand.
func NewIDGenerator() IDGenerator {
	return randomIDs{entropy: rand.Reader}
}

func (g randomIDs) NewTrackingToken() TrackingToken {
	id, err := uuid.NewRandomFromReader(g.entropy)
	if err != nil {
		panic(fmt.Sprintf("shockcase: entropy source failed: %v", err))
	}
	return TrackingToken(id.String())
}

func (g randomIDs) NewArchiveID() ArchiveID {
	id, err := uuid.NewRandomFromReader(g.entropy)
	if err != nil {
		panic(fmt.Sprintf("shockcase: entropy source failed: %v", err))
	}
	return ArchiveID(id.String())
}

func (g randomIDs) NewRegistryID() RegistryID {
	var buf [registryGroups * registryGroupLen]byte
	if _, err := io.ReadFull(g.entropy, buf[:]); err != nil {
		panic(fmt.Sprintf("shockcase: entropy source failed: %v", err))
	}

	var b strings.Builder
	b.Grow(RegistryIDLength)
	b.WriteString(registryPrefix)
	for i, v := range buf {
		if i%registryGroupLen == 0 {
			b.WriteByte('-')
		}
		// 256 is a multiple of 32, so masking keeps the draw uniform.
		b.WriteByte(registryAlphabet[v&0x1f])
	}
	return RegistryID(b.String())
}

// ParseRegistryID normalizes user input (surrounding whitespace, lower case)
// and validates it against the Registry ID format. Tracking tokens never
// parse.
func ParseRegistryID(raw string) (RegistryID, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if len(s) != RegistryIDLength {
		return "", fmt.Errorf("registry id must be %d characters, got %d", RegistryIDLength, len(s))
	}
	if !strings.HasPrefix(s, registryPrefix) {
		return "", fmt.Errorf("registry id must start with %s", registryPrefix)
	}
	for i := len(registryPrefix); i < len(s); i++ {
		pos := i - len(registryPrefix)
		if pos%(registryGroupLen+1) == 0 {
			if s[i] != '-' {
				return "", fmt.Errorf("registry id: expected '-' at position %d", i)
			}
			continue
		}
		if strings.IndexByte(registryAlphabet, s[i]) < 0 {
			return "", fmt.Errorf("registry id: invalid character %q", s[i])
		}
	}
	return RegistryID(s), nil
}

func (id RegistryID) String() string { return string(id) }
