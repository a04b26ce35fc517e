// Package redis implements the shared KV store on Redis. Values live in
// plain Redis strings; change notifications ride a pub/sub channel per key
// so that idle processes wake up without polling.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tunevault/harvester/internal/store"
)

// Config controls the Redis connection and key namespace.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Instance  string // namespace shared by all cooperating processes
	ProcessID string // identifies this process in change notifications
}

// Store implements store.KV backed by Redis.
type Store struct {
	rdb       *redis.Client
	instance  string
	processID string
}

type changeEnvelope struct {
	Sender string `json:"sender"`
	Key    string `json:"key"`
}

// New creates a Store. Instance and ProcessID are required; every key and
// channel is namespaced harvester:{instance}:.
func New(cfg Config) (*Store, error) {
	if cfg.Instance == "" {
		return nil, fmt.Errorf("instance name is required")
	}
	if cfg.ProcessID == "" {
		return nil, fmt.Errorf("process id is required")
	}
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		instance:  cfg.Instance,
		processID: cfg.ProcessID,
	}, nil
}

// NewWithClient wraps an existing client (used by tests with miniredis).
func NewWithClient(rdb *redis.Client, instance, processID string) (*Store, error) {
	if instance == "" || processID == "" {
		return nil, fmt.Errorf("instance and process id are required")
	}
	return &Store{rdb: rdb, instance: instance, processID: processID}, nil
}

// Ping verifies connectivity; used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) dataKey(key string) string {
	return fmt.Sprintf("harvester:%s:%s", s.instance, key)
}

func (s *Store) changeChannel(key string) string {
	return fmt.Sprintf("harvester:%s:changes:%s", s.instance, key)
}

// Get returns the raw value for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set writes the value and publishes a change notification tagged with this
// process id so remote watchers can tell local echoes apart.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.dataKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return s.publishChange(ctx, key)
}

// Delete removes the key and notifies watchers.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.dataKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return s.publishChange(ctx, key)
}

func (s *Store) publishChange(ctx context.Context, key string) error {
	payload, err := json.Marshal(changeEnvelope{Sender: s.processID, Key: key})
	if err != nil {
		return fmt.Errorf("marshal change envelope: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.changeChannel(key), payload).Err(); err != nil {
		return fmt.Errorf("publish change %s: %w", key, err)
	}
	return nil
}

// Watch subscribes to change notifications for key. Delivery is at-most-once
// (Redis pub/sub); watchers must re-read the key rather than trust payloads.
func (s *Store) Watch(ctx context.Context, key string) (<-chan store.Change, func(), error) {
	pubsub := s.rdb.Subscribe(ctx, s.changeChannel(key))
	// Force the subscription to be established before returning so callers
	// cannot miss writes that race the subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", key, err)
	}

	out := make(chan store.Change, 16)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env changeEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				change := store.Change{
					Key:    env.Key,
					Remote: env.Sender != s.processID,
				}
				select {
				case out <- change:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancelFunc, nil
}
