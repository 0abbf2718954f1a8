package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSStore is a Store backed by a NATS JetStream key-value bucket. Entry
// lifetime is enforced by the bucket TTL, so every instance sees the same
// expiry.
type NATSStore struct {
	kv     jetstream.KeyValue
	ttl    time.Duration
	logger *zap.Logger
}

// NATSConfig configures the JetStream bucket.
type NATSConfig struct {
	Bucket string
	TTL    time.Duration
}

// NewNATSStore creates or updates the bucket and returns a store over it.
// The connection remains owned by the caller.
func NewNATSStore(ctx context.Context, nc *nats.Conn, cfg NATSConfig, logger *zap.Logger) (*NATSStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "corpusd shared handshake and progress state",
		History:     1,
		TTL:         cfg.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating key-value bucket %s: %w", cfg.Bucket, err)
	}

	logger.Info("shared state store ready",
		zap.String("bucket", cfg.Bucket),
		zap.Duration("ttl", cfg.TTL))

	return &NATSStore{kv: kv, ttl: cfg.TTL, logger: logger}, nil
}

func (s *NATSStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Take deletes with a last-revision precondition, so only the instance that
// observed the current revision wins.
func (s *NATSStore) Take(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if err := s.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
		s.logger.Debug("lost take race", zap.String("key", key), zap.Error(err))
		return nil, ErrNotFound
	}
	return entry.Value(), nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *NATSStore) TTL() time.Duration { return s.ttl }

// Close is a no-op; the NATS connection belongs to the caller.
func (s *NATSStore) Close() error { return nil }
