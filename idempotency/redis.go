// Package idempotency provides a Redis backed replay store so purchase
// replays are deduplicated across replicas.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	settlement "github.com/utilpay/settlement"
)

const (
	// DefaultInFlightTTL bounds how long a crashed replica can hold a key
	DefaultInFlightTTL = 20 * time.Minute

	keyPrefix = "settlement:replay"
)

// errStillInFlight keeps the wait loop polling
var errStillInFlight = errors.New("purchase still in flight")

// RedisStore implements settlement.ReplayStore. An in-flight marker is
// taken with SET NX and results are stored as JSON under a separate key.
type RedisStore struct {
	client       redis.Cmdable
	resultTTL    time.Duration
	inFlightTTL  time.Duration
	pollInterval time.Duration
}

// NewRedisStore creates a store caching results for resultTTL
func NewRedisStore(client redis.Cmdable, resultTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:       client,
		resultTTL:    resultTTL,
		inFlightTTL:  DefaultInFlightTTL,
		pollInterval: 100 * time.Millisecond,
	}
}

func resultKey(key string) string   { return fmt.Sprintf("%s:result:%s", keyPrefix, key) }
func inFlightKey(key string) string { return fmt.Sprintf("%s:inflight:%s", keyPrefix, key) }

func (s *RedisStore) CheckAndMark(ctx context.Context, key string) (settlement.ReplayStatus, *settlement.PurchaseResult, error) {
	if result, err := s.getResult(ctx, key); err != nil || result != nil {
		if err != nil {
			return settlement.ReplayNotFound, nil, err
		}
		return settlement.ReplayCached, result, nil
	}

	acquired, err := s.client.SetNX(ctx, inFlightKey(key), "1", s.inFlightTTL).Result()
	if err != nil {
		return settlement.ReplayNotFound, nil, fmt.Errorf("failed to mark in-flight: %w", err)
	}
	if !acquired {
		return settlement.ReplayInFlight, nil, nil
	}

	// A holder may have completed between the result read and the SETNX
	result, err := s.getResult(ctx, key)
	if err != nil {
		return settlement.ReplayNotFound, nil, err
	}
	if result != nil {
		s.client.Del(ctx, inFlightKey(key))
		return settlement.ReplayCached, result, nil
	}
	return settlement.ReplayNotFound, nil, nil
}

func (s *RedisStore) WaitForResult(ctx context.Context, key string) (*settlement.PurchaseResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.pollInterval
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0

	var result *settlement.PurchaseResult
	err := backoff.Retry(func() error {
		r, err := s.getResult(ctx, key)
		if err != nil {
			return err
		}
		if r != nil {
			result = r
			return nil
		}
		n, err := s.client.Exists(ctx, inFlightKey(key)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			// Released without a result
			return nil
		}
		return errStillInFlight
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, result *settlement.PurchaseResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultKey(key), data, s.resultTTL)
		pipe.Del(ctx, inFlightKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, inFlightKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release in-flight marker: %w", err)
	}
	return nil
}

func (s *RedisStore) getResult(ctx context.Context, key string) (*settlement.PurchaseResult, error) {
	data, err := s.client.Get(ctx, resultKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	var result settlement.PurchaseResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

var _ settlement.ReplayStore = (*RedisStore)(nil)
