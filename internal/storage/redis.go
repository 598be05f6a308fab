package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/perpwatch/internal/logger"
	"github.com/rewired-gh/perpwatch/internal/models"
)

// RedisConfig represents Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps each series as a Redis list of JSON snapshots.
type RedisStore struct {
	client *redis.Client
	prefix string
	locks  *KeyedMutex
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established: %s db=%d", cfg.Addr, cfg.DB)
	return &RedisStore{client: client, prefix: cfg.Prefix, locks: NewKeyedMutex()}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) seriesKey(symbol string) string { return s.prefix + "series:" + symbol }

func (s *RedisStore) symbolsKey() string { return s.prefix + "symbols" }

func (s *RedisStore) Append(ctx context.Context, symbol string, snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return ioErr(symbol, "append", err)
	}

	unlock := s.locks.Lock(symbol)
	defer unlock()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.seriesKey(symbol), data)
		pipe.SAdd(ctx, s.symbolsKey(), symbol)
		return nil
	})
	return ioErr(symbol, "append", err)
}

func (s *RedisStore) Load(ctx context.Context, symbol string) ([]models.Snapshot, error) {
	unlock := s.locks.Lock(symbol)
	defer unlock()

	return s.load(ctx, symbol)
}

func (s *RedisStore) load(ctx context.Context, symbol string) ([]models.Snapshot, error) {
	raw, err := s.client.LRange(ctx, s.seriesKey(symbol), 0, -1).Result()
	if err != nil {
		return nil, ioErr(symbol, "load", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	series := make([]models.Snapshot, 0, len(raw))
	for i, item := range raw {
		var snap models.Snapshot
		if err := json.Unmarshal([]byte(item), &snap); err != nil {
			logger.Warn("Skipping entry %d in %s series: %v", i, symbol, err)
			continue
		}
		snap.Symbol = symbol
		series = append(series, snap)
	}
	sortSeries(series)
	return series, nil
}

func (s *RedisStore) Symbols(ctx context.Context) ([]string, error) {
	symbols, err := s.client.SMembers(ctx, s.symbolsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Size sums MEMORY USAGE of every series list.
func (s *RedisStore) Size(ctx context.Context) (int64, error) {
	symbols, err := s.Symbols(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, sym := range symbols {
		n, err := s.client.MemoryUsage(ctx, s.seriesKey(sym)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read memory usage of %s: %w", sym, err)
		}
		total += n
	}
	return total, nil
}

func (s *RedisStore) Rewrite(ctx context.Context, symbol string, fn RewriteFunc) error {
	unlock := s.locks.Lock(symbol)
	defer unlock()

	series, err := s.load(ctx, symbol)
	if err != nil {
		return err
	}
	out, err := fn(series)
	if err != nil {
		return err
	}
	if sameSeries(series, out) {
		return nil
	}

	values := make([]interface{}, 0, len(out))
	for _, snap := range out {
		data, err := json.Marshal(snap)
		if err != nil {
			return ioErr(symbol, "rewrite", err)
		}
		values = append(values, data)
	}

	key := s.seriesKey(symbol)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		} else {
			pipe.SRem(ctx, s.symbolsKey(), symbol)
		}
		return nil
	})
	return ioErr(symbol, "rewrite", err)
}
