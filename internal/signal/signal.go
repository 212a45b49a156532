// Package signal reads the optional auxiliary score that gates submissions.
// Scores live in [-1, 1]; anything the gate cannot read in time is missing.
package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

var (
	ErrMissing    = errors.New("signal missing")
	ErrOutOfRange = errors.New("signal outside [-1, 1]")
)

// Source returns the current score for a token, or ErrMissing.
type Source interface {
	Signal(ctx context.Context, token common.Address) (float64, error)
}

// Fetch asks src with a timeout. ok is false whenever no usable score came
// back, whatever the reason.
func Fetch(ctx context.Context, src Source, token common.Address, timeout time.Duration) (value float64, ok bool) {
	if src == nil {
		return 0, false
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := src.Signal(ctx, token)
	if err != nil || inRange(v) != nil {
		return 0, false
	}
	return v, true
}

// inRange rejects NaN along with anything outside [-1, 1].
func inRange(v float64) error {
	if math.IsNaN(v) || v < -1 || v > 1 {
		return fmt.Errorf("%v: %w", v, ErrOutOfRange)
	}
	return nil
}

func parse(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parse signal %q: %w", raw, err)
	}
	if err := inRange(v); err != nil {
		return 0, err
	}
	return v, nil
}

// RedisSource reads scores stored as plain strings under prefix+token.
type RedisSource struct {
	rdb    *redis.Client
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisSource connects and pings the server.
func NewRedisSource(ctx context.Context, cfg RedisConfig) (*RedisSource, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   0,
		DialTimeout:  time.Second,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &RedisSource{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (s *RedisSource) key(token common.Address) string {
	return s.prefix + strings.ToLower(token.Hex())
}

func (s *RedisSource) Signal(ctx context.Context, token common.Address) (float64, error) {
	raw, err := s.rdb.Get(ctx, s.key(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrMissing
		}
		return 0, fmt.Errorf("redis: get signal %s: %w", token.Hex(), err)
	}
	return parse(raw)
}

// Publish stores a score with a ttl; zero keeps it forever.
func (s *RedisSource) Publish(ctx context.Context, token common.Address, v float64, ttl time.Duration) error {
	if err := inRange(v); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(token), strconv.FormatFloat(v, 'f', -1, 64), ttl).Err(); err != nil {
		return fmt.Errorf("redis: set signal %s: %w", token.Hex(), err)
	}
	return nil
}

func (s *RedisSource) Close() error {
	return s.rdb.Close()
}

// Static serves fixed scores. It is used in replays and tests.
type Static struct {
	mu     sync.RWMutex
	values map[common.Address]float64
}

func NewStatic(values map[common.Address]float64) *Static {
	s := &Static{values: make(map[common.Address]float64, len(values))}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

func (s *Static) Set(token common.Address, v float64) {
	s.mu.Lock()
	s.values[token] = v
	s.mu.Unlock()
}

func (s *Static) Signal(ctx context.Context, token common.Address) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	v, ok := s.values[token]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrMissing
	}
	if err := inRange(v); err != nil {
		return 0, err
	}
	return v, nil
}
