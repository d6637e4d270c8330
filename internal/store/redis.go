package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisSnapshotPrefix = "sw:snap:"
	redisResultPrefix   = "sw:res:"
	redisProjectSet     = "sw:projects"
)

// RedisStore backs the store with Redis: plain SET for snapshots, SETNX with
// TTL for first-write-wins results, and a set keyed by project for listing.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings with a 2s timeout.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connect: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) PutSnapshot(ctx context.Context, snap StoredSnapshot) error {
	if snap.ProjectID == "" {
		return fmt.Errorf("store: snapshot missing project id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisSnapshotPrefix+snap.ProjectID, data, 0)
	pipe.SAdd(ctx, redisProjectSet, snap.ProjectID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis put snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) GetSnapshot(ctx context.Context, projectID string) (*StoredSnapshot, error) {
	data, err := r.client.Get(ctx, redisSnapshotPrefix+projectID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get snapshot: %w", err)
	}

	var snap StoredSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (r *RedisStore) PutResult(ctx context.Context, scenarioID string, payload any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("store: marshal result: %w", err)
	}
	stored := StoredResult{
		ScenarioID: scenarioID,
		Payload:    data,
		StoredAt:   time.Now().UTC(),
	}
	wrapped, err := json.Marshal(stored)
	if err != nil {
		return false, fmt.Errorf("store: marshal result envelope: %w", err)
	}

	won, err := r.client.SetNX(ctx, redisResultPrefix+scenarioID, wrapped, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: redis put result: %w", err)
	}
	return won, nil
}

func (r *RedisStore) GetResult(ctx context.Context, scenarioID string) (*StoredResult, error) {
	data, err := r.client.Get(ctx, redisResultPrefix+scenarioID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get result: %w", err)
	}

	var result StoredResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("store: unmarshal result: %w", err)
	}
	return &result, nil
}

func (r *RedisStore) ListProjects(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, redisProjectSet).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis list projects: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
