package pgm

import (
	"crypto/rand"

	"github.com/steve-o/openpgm-sub002/internal/pgmwire"
)

// NewRandomGSI generates a GSI_RANDOM global source identifier (RFC 3208
// §8.1): six bytes drawn from a cryptographically random source, used when
// the caller has no stable host identifier to derive one from.
func NewRandomGSI() (pgmwire.GSI, error) {
	var gsi pgmwire.GSI
	if _, err := rand.Read(gsi[:]); err != nil {
		return gsi, err
	}
	return gsi, nil
}
