package shortener

import (
	"fmt"
)

// NewGenerator creates the code generator described by config
func NewGenerator(config Config) (Generator, error) {
	if config.Length <= 0 {
		return nil, fmt.Errorf("short code length must be positive, got: %d", config.Length)
	}
	return NewRandomGenerator(config.Length), nil
}

// New creates an allocator backed by a generator built from config
func New(config Config, checker CodeChecker) (*Allocator, error) {
	if checker == nil {
		return nil, fmt.Errorf("code checker required for allocator")
	}

	generator, err := NewGenerator(config)
	if err != nil {
		return nil, err
	}

	return NewAllocator(generator, checker, config.MaxAttempts), nil
}
