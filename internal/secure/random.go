package secure

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// Alphabets used by the credential generator.
const (
	Lower        = "abcdefghijklmnopqrstuvwxyz"
	Upper        = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	Digits       = "0123456789"
	Symbols      = "!#$%&*+-=?@^_~"
	Alphanumeric = Lower + Upper + Digits
	URLSafe      = Alphanumeric + "-_"
	Printable    = Alphanumeric + Symbols
)

// RandomString returns length characters drawn uniformly from alphabet using
// the memguard CSPRNG. Bytes that would bias the distribution are rejected
// rather than reduced modulo the alphabet size.
func RandomString(length int, alphabet string) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive, got %d", length)
	}
	n := len(alphabet)
	if n < 2 || n > 256 {
		return "", fmt.Errorf("alphabet must have between 2 and 256 characters, got %d", n)
	}

	// Largest multiple of n not above 256; bytes at or past it are rejected.
	limit := 256 - (256 % n)

	out := memguard.NewBuffer(length)
	defer out.Destroy()
	dst := out.Bytes()

	filled := 0
	for filled < length {
		// Over-draw so a single round usually suffices.
		pool := memguard.NewBufferRandom(2 * (length - filled))
		for _, b := range pool.Bytes() {
			if int(b) >= limit {
				continue
			}
			dst[filled] = alphabet[int(b)%n]
			filled++
			if filled == length {
				break
			}
		}
		pool.Destroy()
	}

	return string(dst), nil
}

// ContainsAny reports whether s has at least one character from set.
func ContainsAny(s, set string) bool {
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(set); j++ {
			if s[i] == set[j] {
				return true
			}
		}
	}
	return false
}
