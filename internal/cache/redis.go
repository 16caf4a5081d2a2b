package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	keyCashoutToken = "crash:ctoken:" // + betID, value "userID:token"
	keyCrashHistory = "crash:history"

	historyDepth = 50
)

// ErrTokenMismatch is returned when a cash-out token does not match the one
// minted for the bet, or was already consumed.
var ErrTokenMismatch = fmt.Errorf("cashout token invalid or already used")

type Service interface {
	GetClient() *redis.Client

	// Cash-out tokens are single use: Consume removes the token while
	// reading it, so a retry or a concurrent attempt sees nothing.
	PutCashoutToken(ctx context.Context, betID int64, userID, token string, ttl time.Duration) error
	ConsumeCashoutToken(ctx context.Context, betID int64, userID, token string) error
	ClearCashoutToken(ctx context.Context, betID int64) error

	PushCrashPoint(ctx context.Context, crashPoint string) error
	RecentCrashes(ctx context.Context, n int64) ([]string, error)

	Health() map[string]string
	Close() error
}

type service struct {
	client *redis.Client
}

type Options struct {
	Addr     string
	Password string
	DB       int
}

func New(opts Options) (Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.WithField("component", "cache").Info("redis connected")

	return &service{client: client}, nil
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

func (s *service) PutCashoutToken(ctx context.Context, betID int64, userID, token string, ttl time.Duration) error {
	key := keyCashoutToken + strconv.FormatInt(betID, 10)
	if err := s.client.Set(ctx, key, userID+":"+token, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store cashout token for bet %d: %w", betID, err)
	}
	return nil
}

func (s *service) ConsumeCashoutToken(ctx context.Context, betID int64, userID, token string) error {
	key := keyCashoutToken + strconv.FormatInt(betID, 10)
	val, err := s.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return ErrTokenMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to consume cashout token for bet %d: %w", betID, err)
	}
	if val != userID+":"+token {
		return ErrTokenMismatch
	}
	return nil
}

func (s *service) ClearCashoutToken(ctx context.Context, betID int64) error {
	key := keyCashoutToken + strconv.FormatInt(betID, 10)
	return s.client.Del(ctx, key).Err()
}

func (s *service) PushCrashPoint(ctx context.Context, crashPoint string) error {
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, keyCrashHistory, crashPoint)
	pipe.LTrim(ctx, keyCrashHistory, 0, historyDepth-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push crash point: %w", err)
	}
	return nil
}

func (s *service) RecentCrashes(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 || n > historyDepth {
		n = historyDepth
	}
	vals, err := s.client.LRange(ctx, keyCrashHistory, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read crash history: %w", err)
	}
	return vals, nil
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if _, err := s.client.Ping(ctx).Result(); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)

	return stats
}

func (s *service) Close() error {
	log.WithField("component", "cache").Info("disconnecting from redis")
	return s.client.Close()
}
