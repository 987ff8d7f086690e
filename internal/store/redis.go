// Package store provides the shared group-membership store backing the
// staging file tracker. Groups are Redis sets, so membership checks and
// moves are atomic per value and safe across concurrent connector runs.
package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Redis struct {
	rdb *redis.Client
}

// NewRedis connects and pings the server before returning a handle.
func NewRedis(ctx context.Context, addr string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}

// Add inserts values into a group.
func (s *Redis) Add(ctx context.Context, group string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	members := make([]interface{}, len(values))
	for i, v := range values {
		members[i] = v
	}
	if err := s.rdb.SAdd(ctx, group, members...).Err(); err != nil {
		return fmt.Errorf("redis SADD %s: %w", group, err)
	}
	return nil
}

// IsMember reports whether value belongs to group.
func (s *Redis) IsMember(ctx context.Context, group, value string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, group, value).Result()
	if err != nil {
		return false, fmt.Errorf("redis SISMEMBER %s: %w", group, err)
	}
	return ok, nil
}

// Move transfers values between groups. SMOVE is atomic per value, so a
// value is never observable in both groups. A value missing from the
// source group (moved by a concurrent caller) is an error.
func (s *Redis) Move(ctx context.Context, from, to string, values ...string) error {
	for _, v := range values {
		moved, err := s.rdb.SMove(ctx, from, to, v).Result()
		if err != nil {
			return fmt.Errorf("redis SMOVE %s -> %s: %w", from, to, err)
		}
		if !moved {
			return fmt.Errorf("value %q is not a member of %q", v, from)
		}
	}
	return nil
}
