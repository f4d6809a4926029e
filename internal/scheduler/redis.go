package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrStopped is returned when scheduling on a stopped scheduler
var ErrStopped = errors.New("scheduler stopped")

// RedisScheduler keeps pending checks in a Redis sorted set scored by
// their due time, so they survive restarts and are shared by replicas.
// A replica claims a due check by removing it from the set; only the
// replica whose ZREM succeeds runs the handler. A check whose handler
// fails is put back, due again after retryDelay.
type RedisScheduler struct {
	client       *redis.Client
	key          string
	handler      Handler
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
	retryDelay   time.Duration
	now          func() time.Time
}

// NewRedisScheduler creates a scheduler on client using the sorted set key
func NewRedisScheduler(client *redis.Client, key string, pollInterval time.Duration, handler Handler, logger *slog.Logger) *RedisScheduler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &RedisScheduler{
		client:       client,
		key:          key,
		handler:      handler,
		logger:       logger.With("component", "scheduler", "backend", "redis"),
		pollInterval: pollInterval,
		batchSize:    100,
		retryDelay:   30 * time.Second,
		now:          time.Now,
	}
}

// ScheduleExpirationCheck records the check with its due time
func (s *RedisScheduler) ScheduleExpirationCheck(ctx context.Context, purchaseID int64, delay time.Duration) error {
	due := s.now().Add(delay)
	err := s.client.ZAdd(ctx, s.key, &redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: strconv.FormatInt(purchaseID, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("scheduling expiration of purchase %d: %w", purchaseID, err)
	}
	s.logger.Debug("expiration check scheduled", "purchase_id", purchaseID, "due", due)
	return nil
}

// Run polls for due checks until ctx is cancelled
func (s *RedisScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("polling expiration checks failed", "error", err)
			}
		}
	}
}

// RunDue claims and runs every check that is due, returning how many ran
func (s *RedisScheduler) RunDue(ctx context.Context) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(s.now().UnixMilli(), 10),
		Count: s.batchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reading due expiration checks: %w", err)
	}

	ran := 0
	for _, member := range members {
		claimed, err := s.client.ZRem(ctx, s.key, member).Result()
		if err != nil {
			return ran, fmt.Errorf("claiming expiration check %s: %w", member, err)
		}
		if claimed == 0 {
			continue
		}

		purchaseID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			s.logger.Warn("dropping malformed expiration check", "member", member)
			continue
		}
		if err := s.handler(ctx, purchaseID); err != nil {
			s.logger.Error("expiration check failed, retrying later",
				"purchase_id", purchaseID, "retry_in", s.retryDelay, "error", err)
			if err := s.ScheduleExpirationCheck(ctx, purchaseID, s.retryDelay); err != nil {
				return ran, err
			}
			continue
		}
		ran++
	}
	return ran, nil
}
