// Package statestore provides the shared, TTL-bounded key-value state that
// every corpusd instance can read and write: OAuth handshake state and sync
// progress. Nothing here lives only in one process's memory unless the
// memory backend is selected for single-node use.
package statestore

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Errors returned by stores.
var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("state not found")

	// ErrInvalidKey is returned for keys outside [-/_=.a-zA-Z0-9].
	ErrInvalidKey = errors.New("invalid state key")
)

var keyPattern = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// Store is a shared key-value store with a store-wide TTL.
type Store interface {
	// Put writes value under key, resetting its TTL.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Take atomically reads and deletes key. Among concurrent callers on any
	// instance at most one receives the value; the rest get ErrNotFound.
	Take(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the store-wide entry lifetime.
	TTL() time.Duration

	Close() error
}

func validateKey(key string) error {
	if key == "" || !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}
