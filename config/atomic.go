package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

// Container holds a config snapshot safely for concurrent access. Readers
// are wait-free; updates validate before swapping the pointer.
type Container[T any] struct {
	store    atomic.Value
	mu       sync.Mutex
	validate *validator.Validate
}

func NewContainer[T any](initial T) *Container[T] {
	c := &Container[T]{
		validate: validator.New(),
	}
	c.store.Store(&initial)
	return c
}

// Get returns the current snapshot of the config.
func (c *Container[T]) Get() *T {
	return c.store.Load().(*T)
}

// Update swaps the config pointer atomically. Invalid configs are rejected
// and the previous snapshot stays in effect.
func (c *Container[T]) Update(newConfig T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validate.Struct(newConfig); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	c.store.Store(&newConfig)
	return nil
}
