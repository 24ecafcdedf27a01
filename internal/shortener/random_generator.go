package shortener

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Alphabet is the 62 symbol set codes are drawn from
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomGenerator draws each character of a code uniformly from Alphabet
type RandomGenerator struct {
	length int
	max    *big.Int
}

// NewRandomGenerator creates a generator producing codes of the given length
func NewRandomGenerator(length int) *RandomGenerator {
	return &RandomGenerator{
		length: length,
		max:    big.NewInt(int64(len(Alphabet))),
	}
}

// GenerateShortCode returns a random code
func (g *RandomGenerator) GenerateShortCode() (string, error) {
	b := make([]byte, g.length)
	for i := range b {
		n, err := rand.Int(rand.Reader, g.max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		b[i] = Alphabet[n.Int64()]
	}
	return string(b), nil
}

// Type returns the generator type
func (g *RandomGenerator) Type() string {
	return TypeRandom
}

var _ Generator = (*RandomGenerator)(nil)
