package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLimit is the number of runs allowed per window
	DefaultLimit = 3
	// DefaultWindow is the sliding window length
	DefaultWindow = 60 * time.Second

	keyPrefix = "pairpilot:run:"
)

// Result is the outcome of a server-side limit check
type Result struct {
	Allowed   bool
	Limit     int
	WindowSec int
	Remaining int
	// ResetMs is the unix time in milliseconds when a slot frees up
	ResetMs int64
}

// Response converts the result to the endpoint body
func (r Result) Response() Response {
	limit, window, remaining := r.Limit, r.WindowSec, r.Remaining
	reset := float64(r.ResetMs)
	return Response{
		Allowed:   r.Allowed,
		Limit:     &limit,
		WindowSec: &window,
		Remaining: &remaining,
		Reset:     &reset,
	}
}

// Limiter counts runs per room and user
type Limiter interface {
	Allow(ctx context.Context, roomID, userID string) (Result, error)
}

// Key returns the sorted-set key for a room and user
func Key(roomID, userID string) string {
	return keyPrefix + roomID + ":" + userID
}

// RedisLimiter is a sliding-window log: each admitted run is a member of a
// sorted set scored by its start time in milliseconds.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a limiter. Zero values take the defaults.
func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{client: client, limit: limit, window: window, now: time.Now}
}

// Allow records a run attempt and reports whether it fits the window.
// Rejected attempts are not counted.
func (l *RedisLimiter) Allow(ctx context.Context, roomID, userID string) (Result, error) {
	key := Key(roomID, userID)
	now := l.now().UnixMilli()
	windowMs := l.window.Milliseconds()
	member := strconv.FormatInt(now, 10) + "-" + ulid.Make().String()

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now-windowMs, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
		card = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.PExpire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to check rate limit: %w", err)
	}

	res := Result{
		Limit:     l.limit,
		WindowSec: int(l.window / time.Second),
		ResetMs:   now + windowMs,
	}
	if z := oldest.Val(); len(z) > 0 {
		res.ResetMs = int64(z[0].Score) + windowMs
	}

	count := int(card.Val())
	if count > l.limit {
		if err := l.client.ZRem(ctx, key, member).Err(); err != nil {
			return Result{}, fmt.Errorf("failed to roll back rate limit: %w", err)
		}
		return res, nil
	}
	res.Allowed = true
	res.Remaining = l.limit - count
	return res, nil
}
