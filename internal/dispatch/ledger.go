package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger records which legs of an alert were already delivered, so a
// re-dispatch of the same alert id only retries the missing legs.
type Ledger interface {
	Delivered(ctx context.Context, alertID string, leg Leg) (bool, error)
	MarkDelivered(ctx context.Context, alertID string, leg Leg) error
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu   sync.Mutex
	legs map[string]map[Leg]bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{legs: make(map[string]map[Leg]bool)}
}

func (l *MemoryLedger) Delivered(_ context.Context, alertID string, leg Leg) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.legs[alertID][leg], nil
}

func (l *MemoryLedger) MarkDelivered(_ context.Context, alertID string, leg Leg) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.legs[alertID]
	if m == nil {
		m = make(map[Leg]bool, 2)
		l.legs[alertID] = m
	}
	m[leg] = true
	return nil
}

// RedisLedgerConfig configures the Redis ledger.
type RedisLedgerConfig struct {
	Address  string
	Password string
	Database int
	// Prefix is prepended to every key, e.g. "vigil:dispatch:".
	Prefix string
	// TTL bounds how long delivery marks are kept. Zero keeps them forever.
	TTL     time.Duration
	Timeout time.Duration
}

// RedisLedger stores delivery marks as one hash per alert id, shared by
// every vigil instance pointed at the same Redis.
type RedisLedger struct {
	cfg    RedisLedgerConfig
	client *redis.Client
}

func NewRedisLedger(ctx context.Context, cfg RedisLedgerConfig) (*RedisLedger, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "vigil:dispatch:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dispatch: connect redis %s: %w", cfg.Address, err)
	}
	return &RedisLedger{cfg: cfg, client: client}, nil
}

func (l *RedisLedger) key(alertID string) string {
	return l.cfg.Prefix + alertID
}

func (l *RedisLedger) Delivered(ctx context.Context, alertID string, leg Leg) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	ok, err := l.client.HExists(ctx, l.key(alertID), string(leg)).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch: ledger lookup %s: %w", alertID, err)
	}
	return ok, nil
}

func (l *RedisLedger) MarkDelivered(ctx context.Context, alertID string, leg Leg) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, l.key(alertID), string(leg), time.Now().UTC().Format(time.RFC3339Nano))
	if l.cfg.TTL > 0 {
		pipe.Expire(ctx, l.key(alertID), l.cfg.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: ledger mark %s/%s: %w", alertID, leg, err)
	}
	return nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
