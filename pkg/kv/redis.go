/*
 * Copyright 2025 the Calcifer Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
)

// maxTxRetries bounds WATCH/MULTI retries on contended records.
const maxTxRetries = 5

// Config holds the Redis connection settings.
type Config struct {
	Address      string        `json:"address"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client *redis.Client
	log    logger.Logger
}

// NewRedisStore dials Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config, log logger.Logger) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}

	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return &RedisStore{client: client, log: log.WithComponent("kv")}, nil
}

// NewRedisStoreFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client, log logger.Logger) *RedisStore {
	return &RedisStore{client: client, log: log.WithComponent("kv")}
}

func (s *RedisStore) GetHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hash %s: %w", key, err)
	}

	return fields, nil
}

func (s *RedisStore) GetHashField(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to read hash field %s/%s: %w", key, field, err)
	}

	return val, true, nil
}

func (s *RedisStore) UpdateHash(ctx context.Context, key string, fn func(fields map[string]string) (HashUpdate, error)) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to read hash %s: %w", key, err)
			}

			update, err := fn(fields)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if len(update.Set) > 0 {
					args := make([]interface{}, 0, len(update.Set)*2)
					for f, v := range update.Set {
						args = append(args, f, v)
					}

					pipe.HSet(ctx, key, args...)
				}

				if len(update.Delete) > 0 {
					pipe.HDel(ctx, key, update.Delete...)
				}

				return nil
			})

			return err
		}, key)

		if err == nil {
			return nil
		}

		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug().Str("key", key).Int("attempt", attempt+1).Msg("hash transaction conflict, retrying")
			continue
		}

		return err
	}

	return fmt.Errorf("%w: %s", ErrTxConflict, key)
}

func (s *RedisStore) AddToSet(ctx context.Context, key, member string) error {
	if err := s.client.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("failed to add %s to set %s: %w", member, key, err)
	}

	return nil
}

func (s *RedisStore) RemoveFromSet(ctx context.Context, key, member string) error {
	if err := s.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from set %s: %w", member, key, err)
	}

	return nil
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read set %s: %w", key, err)
	}

	return members, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return val, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	set, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed conditional set %s: %w", key, err)
	}

	return set, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
