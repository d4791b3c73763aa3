package installations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"labelsync/pkg/labels"
)

// RedisStore keeps installations as JSON in the hash "<name>:installations"
// and onboarded configurations as YAML under "<name>:onboarded:<organization>"
type RedisStore struct {
	client *redis.Client
	name   string
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client *redis.Client, name string) *RedisStore {
	return &RedisStore{client: client, name: name}
}

func (s *RedisStore) installationsKey() string { return s.name + ":installations" }

func (s *RedisStore) onboardedKey(organization string) string {
	return s.name + ":onboarded:" + organization
}

// Put adds or replaces an installation
func (s *RedisStore) Put(ctx context.Context, installation Installation) error {
	data, err := json.Marshal(installation)
	if err != nil {
		return fmt.Errorf("failed to encode installation %d: %w", installation.ID, err)
	}
	return s.client.HSet(ctx, s.installationsKey(), strconv.FormatInt(installation.ID, 10), data).Err()
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, id int64) (Installation, error) {
	data, err := s.client.HGet(ctx, s.installationsKey(), strconv.FormatInt(id, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Installation{}, notFound(id)
	}
	if err != nil {
		return Installation{}, fmt.Errorf("failed to read installation %d: %w", id, err)
	}

	var i Installation
	if err := json.Unmarshal(data, &i); err != nil {
		return Installation{}, fmt.Errorf("failed to decode installation %d: %w", id, err)
	}
	return i, nil
}

// Onboard implements Onboarder
func (s *RedisStore) Onboard(ctx context.Context, _ int64, organization string, config labels.Configuration) error {
	data, err := labels.MarshalConfiguration(config)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.onboardedKey(organization), data, 0).Err()
}

// Onboarded returns the configuration recorded for organization
func (s *RedisStore) Onboarded(ctx context.Context, organization string) (labels.Configuration, error) {
	data, err := s.client.Get(ctx, s.onboardedKey(organization)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s has not been onboarded", organization)
	}
	if err != nil {
		return nil, err
	}

	config, _, err := labels.ParseConfiguration(data)
	return config, err
}
