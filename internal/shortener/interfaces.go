package shortener

import (
	"context"
)

// Generator defines the interface for generating short codes
type Generator interface {
	// GenerateShortCode returns a fresh candidate code. It does not check uniqueness.
	GenerateShortCode() (string, error)

	// Type returns the type identifier of the generator
	Type() string
}

// CodeChecker reports whether a token is already in use as a short code or alias
type CodeChecker interface {
	// CodeTaken returns true when any record uses code as its short code or alias
	CodeTaken(ctx context.Context, code string) (bool, error)
}

// Config holds configuration for shortener generators
type Config struct {
	Length      int `yaml:"code_length" env:"SHORTENER_CODE_LENGTH" env-default:"6"`
	MaxAttempts int `yaml:"max_attempts" env:"SHORTENER_MAX_ATTEMPTS" env-default:"10"`
}

// GeneratorType constants
const (
	TypeRandom = "random"
)

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Length:      6,
		MaxAttempts: 10,
	}
}
