// Package kvstore holds the transient state of the engine: prices, queued
// signals, market conditions, and drop-alert history. It wraps Redis with a
// circuit breaker so a flapping instance degrades reads instead of hanging
// every trading path.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"scalping-engine/config"
)

// Store provides key/value, sorted-set, and pub-sub access with graceful
// degradation. When Redis is unavailable, operations return errors that
// callers handle by failing closed.
type Store struct {
	client       *redis.Client
	logger       zerolog.Logger
	local        *LocalCache
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// New connects to Redis and returns a Store. A failed initial connection
// returns the store in degraded mode rather than an error; the circuit
// breaker re-probes in the background.
func New(cfg config.RedisConfig, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Store{
		client:        client,
		logger:        logger.With().Str("component", "KVStore").Logger(),
		local:         NewLocalCache(DefaultLocalCacheSize),
		healthy:       false,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("initial redis connection failed, starting degraded")
		return s, nil
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info().Str("address", cfg.Address).Msg("redis connected")

	return s, nil
}

// ErrUnavailable is the sentinel message returned while the breaker is open.
var errUnavailable = fmt.Errorf("redis unavailable (circuit breaker open)")

// IsHealthy returns whether Redis is currently available.
func (s *Store) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Store) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.logger.Warn().Int("failures", s.failureCount).Msg("circuit breaker open")
		}
		s.healthy = false
	}
}

func (s *Store) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info().Msg("circuit breaker closed, redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth re-probes a broken connection at most once per checkInterval.
func (s *Store) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()

	if !shouldCheck {
		return
	}

	s.mu.Lock()
	s.lastCheck = time.Now()
	s.mu.Unlock()

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := s.client.Ping(pingCtx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// Get retrieves a raw value. A missing key returns redis.Nil.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.checkHealth()

	if !s.IsHealthy() {
		return "", errUnavailable
	}

	result, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", err // miss, not a failure
		}
		s.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	s.recordSuccess()
	return result, nil
}

// Set stores a value with a TTL. Non-string values are marshaled to JSON.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.checkHealth()

	if !s.IsHealthy() {
		return errUnavailable
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.checkHealth()

	if !s.IsHealthy() {
		return errUnavailable
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Store) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return nil
}

// SetJSON marshals and stores a JSON value.
func (s *Store) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return s.Set(ctx, key, value, ttl)
}

// IsMiss reports whether err is a cache miss rather than a store failure.
func IsMiss(err error) bool {
	return err == redis.Nil
}

// Incr atomically increments a counter and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	s.checkHealth()

	if !s.IsHealthy() {
		return 0, errUnavailable
	}

	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}

	s.recordSuccess()
	return val, nil
}

// ZAdd adds a member with a score to a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.checkHealth()

	if !s.IsHealthy() {
		return errUnavailable
	}

	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis zadd failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// ZPopMin atomically pops up to count members with the lowest scores.
func (s *Store) ZPopMin(ctx context.Context, key string, count int64) ([]string, error) {
	s.checkHealth()

	if !s.IsHealthy() {
		return nil, errUnavailable
	}

	res, err := s.client.ZPopMin(ctx, key, count).Result()
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("redis zpopmin failed: %w", err)
	}

	s.recordSuccess()
	members := make([]string, 0, len(res))
	for _, z := range res {
		if m, ok := z.Member.(string); ok {
			members = append(members, m)
		}
	}
	return members, nil
}

// ZCard returns the cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	s.checkHealth()

	if !s.IsHealthy() {
		return 0, errUnavailable
	}

	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("redis zcard failed: %w", err)
	}

	s.recordSuccess()
	return n, nil
}

// ZRevRange returns members by descending score between start and stop ranks.
func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.checkHealth()

	if !s.IsHealthy() {
		return nil, errUnavailable
	}

	members, err := s.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("redis zrevrange failed: %w", err)
	}

	s.recordSuccess()
	return members, nil
}

// ZCapToNewest trims a sorted set so only the max newest (highest-score)
// members remain.
func (s *Store) ZCapToNewest(ctx context.Context, key string, max int64) error {
	s.checkHealth()

	if !s.IsHealthy() {
		return errUnavailable
	}

	// Remove everything below the top max ranks.
	if err := s.client.ZRemRangeByRank(ctx, key, 0, -(max + 1)).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis zremrangebyrank failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// Publish sends a payload on a pub-sub channel. Non-string payloads are
// marshaled to JSON.
func (s *Store) Publish(ctx context.Context, channel string, payload interface{}) error {
	s.checkHealth()

	if !s.IsHealthy() {
		return errUnavailable
	}

	var data string
	switch v := payload.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		data = string(jsonData)
	}

	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis publish failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// Listen subscribes to a channel and invokes handler for every message.
// It blocks until ctx is cancelled; run it in its own goroutine.
func (s *Store) Listen(ctx context.Context, channel string, handler func(payload []byte)) {
	pubsub := s.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	s.logger.Info().Str("channel", channel).Msg("subscribed")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handler([]byte(msg.Payload))
		}
	}
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Stats reports breaker state for the health endpoint.
type Stats struct {
	Healthy      bool `json:"healthy"`
	FailureCount int  `json:"failure_count"`
	LocalEntries int  `json:"local_entries"`
}

// GetStats returns current store statistics.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Healthy:      s.healthy,
		FailureCount: s.failureCount,
		LocalEntries: s.local.Len(),
	}
}

// SetMarketData writes the market snapshot for a symbol and mirrors it into
// the local cache so hot reads skip Redis inside the TTL window.
func (s *Store) SetMarketData(ctx context.Context, symbol string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal market data: %w", err)
	}

	key := MarketKey(symbol)
	s.local.Put(key, data, TTLMarket)
	return s.Set(ctx, key, data, TTLMarket)
}

// GetMarketData reads the market snapshot for a symbol, preferring the
// local cache.
func (s *Store) GetMarketData(ctx context.Context, symbol string, dest interface{}) error {
	key := MarketKey(symbol)
	if data, ok := s.local.Get(key); ok {
		return json.Unmarshal(data, dest)
	}

	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	s.local.Put(key, []byte(data), TTLMarket)
	return json.Unmarshal([]byte(data), dest)
}

// SetTicker writes the short-lived ticker snapshot for a symbol.
func (s *Store) SetTicker(ctx context.Context, symbol string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal ticker: %w", err)
	}

	key := TickerKey(symbol)
	s.local.Put(key, data, TTLTicker)
	return s.Set(ctx, key, data, TTLTicker)
}

// GetTicker reads the ticker snapshot for a symbol, preferring the local
// cache.
func (s *Store) GetTicker(ctx context.Context, symbol string, dest interface{}) error {
	key := TickerKey(symbol)
	if data, ok := s.local.Get(key); ok {
		return json.Unmarshal(data, dest)
	}

	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	s.local.Put(key, []byte(data), TTLTicker)
	return json.Unmarshal([]byte(data), dest)
}
