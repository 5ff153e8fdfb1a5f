// Package cache keeps read-through copies of puzzle answer lists in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"puzzlehost/api/internal/store"
)

// cachedAnswer is the stored form of one answer.
type cachedAnswer struct {
	ID          string `json:"id"`
	PuzzleID    string `json:"puzzle_id"`
	Value       string `json:"value"`
	AnswerIndex int    `json:"answer_index"`
}

// RedisCache stores the ordered answer list of each puzzle under one key.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{
		client: client,
		prefix: "answers:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(puzzleID string) string {
	return c.prefix + puzzleID
}

func (c *RedisCache) generationKey(puzzleID string) string {
	return c.prefix + "generation:" + puzzleID
}

// GetAnswers returns hit=false when nothing is cached for the puzzle.
func (c *RedisCache) GetAnswers(ctx context.Context, puzzleID string) ([]store.Answer, bool, error) {
	raw, err := c.client.Get(ctx, c.key(puzzleID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached answers: %w", err)
	}

	var items []cachedAnswer
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached answers: %w", err)
	}
	answers := make([]store.Answer, 0, len(items))
	for _, item := range items {
		answers = append(answers, store.Answer{
			ID:          item.ID,
			PuzzleID:    item.PuzzleID,
			Value:       item.Value,
			AnswerIndex: item.AnswerIndex,
		})
	}
	return answers, true, nil
}

// Generation returns the invalidation counter of a puzzle. Read it before
// loading answers from the store and hand it back to SetAnswers.
func (c *RedisCache) Generation(ctx context.Context, puzzleID string) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(puzzleID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get answers generation: %w", err)
	}
	return gen, nil
}

// SetAnswers stores answers only while the puzzle's generation still equals
// generation. It reports false when an invalidation got there first.
func (c *RedisCache) SetAnswers(ctx context.Context, puzzleID string, generation int64, answers []store.Answer) (bool, error) {
	items := make([]cachedAnswer, 0, len(answers))
	for _, a := range answers {
		items = append(items, cachedAnswer{
			ID:          a.ID,
			PuzzleID:    a.PuzzleID,
			Value:       a.Value,
			AnswerIndex: a.AnswerIndex,
		})
	}
	data, err := json.Marshal(items)
	if err != nil {
		return false, fmt.Errorf("marshal answers: %w", err)
	}

	genKey := c.generationKey(puzzleID)
	stored := false
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if errors.Is(err, redis.Nil) {
			current = 0
		} else if err != nil {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(puzzleID), data, c.ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache answers: %w", err)
	}
	return stored, nil
}

// Invalidate bumps the generation and drops the cached list in one
// transaction; a missing key is not an error.
func (c *RedisCache) Invalidate(ctx context.Context, puzzleID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.generationKey(puzzleID))
		pipe.Del(ctx, c.key(puzzleID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate answers: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
