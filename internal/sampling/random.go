// internal/sampling/random.go
package sampling

import (
	"crypto/rand"
	"encoding/binary"
)

// Source yields uniform random draws for the probabilistic rule kinds.
// Injecting it keeps evaluation reproducible under test; *rand.Rand from
// math/rand/v2 satisfies the interface for seeded runs.
type Source interface {
	// IntN returns a uniform value in [0, n). n must be positive.
	IntN(n int) int
}

// CryptoSource draws from crypto/rand. It is the default Source: sampling
// decisions feed a quality audit trail, so draws must not be reconstructable
// from a seed.
type CryptoSource struct{}

// IntN returns a uniform value in [0, n) from the OS entropy source.
func (CryptoSource) IntN(n int) int {
	if n <= 1 {
		return 0
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// On error, return the minimum draw. Probabilistic rules compare
		// draw < value, so this errs toward inspecting the part.
		return 0
	}

	// Modulo bias is below 2^-32 for any n this engine passes in.
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}
