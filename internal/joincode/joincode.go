// Package joincode generates and validates the short codes people read
// aloud to pair two clients.
package joincode

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

// Length is the fixed width of a join code.
const Length = 6

// Alphabet is the accepted charset. Codes are stored and compared upper-case.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	ErrEmpty       = errors.New("join code is required")
	ErrLength      = errors.New("join code must be 6 characters")
	ErrInvalidChar = errors.New("join code may only contain letters and digits")
)

// New returns a random code of Length characters drawn from Alphabet.
func New() (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Normalize trims surrounding space and upper-cases the code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Parse normalizes code and checks width and charset. It is meant to run
// before any lookup so a typo is rejected without a round trip.
func Parse(code string) (string, error) {
	normalized := Normalize(code)
	if normalized == "" {
		return "", ErrEmpty
	}
	if len(normalized) != Length {
		return "", ErrLength
	}
	for i := 0; i < len(normalized); i++ {
		if strings.IndexByte(Alphabet, normalized[i]) < 0 {
			return "", ErrInvalidChar
		}
	}
	return normalized, nil
}
