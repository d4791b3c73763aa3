package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps tasks in a Redis list "<name>:tasks" and their ids in the
// set "<name>:ids"
type RedisStore struct {
	client *redis.Client
	name   string
}

// NewRedisStore creates a store from a redis:// URL or a plain host:port
func NewRedisStore(addr, name string) (*RedisStore, error) {
	client, err := NewRedisClient(addr)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreFromClient(client, name), nil
}

// NewRedisClient creates a client from a redis:// URL or a plain host:port
func NewRedisClient(addr string) (*redis.Client, error) {
	if !strings.Contains(addr, "://") {
		return redis.NewClient(&redis.Options{Addr: addr}), nil
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid queue address: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisStoreFromClient creates a store on an existing client
func NewRedisStoreFromClient(client *redis.Client, name string) *RedisStore {
	return &RedisStore{client: client, name: name}
}

func (s *RedisStore) tasksKey() string { return s.name + ":tasks" }
func (s *RedisStore) idsKey() string   { return s.name + ":ids" }

// Connect pings the server
func (s *RedisStore) Connect(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Append pushes data and records id in one MULTI transaction
func (s *RedisStore) Append(ctx context.Context, id string, data []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.tasksKey(), data)
		pipe.SAdd(ctx, s.idsKey(), id)
		return nil
	})
	return err
}

// Range returns every entry in list order
func (s *RedisStore) Range(ctx context.Context) ([][]byte, error) {
	values, err := s.client.LRange(ctx, s.tasksKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

// Delete removes the entry and its id in one MULTI transaction
func (s *RedisStore) Delete(ctx context.Context, id string, data []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.tasksKey(), 1, data)
		pipe.SRem(ctx, s.idsKey(), id)
		return nil
	})
	return err
}

// Exists checks the id set
func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	return s.client.SIsMember(ctx, s.idsKey(), id).Result()
}
