// Package history persists per-task conversation histories in Redis, with a
// small local cache in front. The store is the durability layer under the
// orchestrator's in-memory sessions: every appended turn is written through,
// and reattaching a task replays from here.
package history

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskwise/coworker/internal/circuitbreaker"
	"github.com/taskwise/coworker/internal/conversation"
	"github.com/taskwise/coworker/internal/metrics"
)

// Options tunes the store. Zero values fall back to defaults.
type Options struct {
	TTL             time.Duration // per-task history expiry
	MaxTurns        int           // oldest turns beyond this are dropped on append
	MaxCacheEntries int           // local cache bound before LRU eviction
}

func (o *Options) applyDefaults() {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = 200
	}
	if o.MaxCacheEntries <= 0 {
		o.MaxCacheEntries = 10000
	}
}

// Store is the Redis-backed conversation history store.
type Store struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	opts   Options

	mu     sync.RWMutex
	cache  map[string][]conversation.Turn
	access map[string]time.Time
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, opts Options, logger *zap.Logger) (*Store, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStoreWithClient(redisClient, opts, logger), nil
}

// NewStoreWithClient wraps an existing Redis client. Tests use this with
// miniredis.
func NewStoreWithClient(client *redis.Client, opts Options, logger *zap.Logger) *Store {
	opts.applyDefaults()
	return &Store{
		client: circuitbreaker.NewRedisWrapper(client, logger),
		logger: logger,
		opts:   opts,
		cache:  make(map[string][]conversation.Turn),
		access: make(map[string]time.Time),
	}
}

// Load returns the stored history for a task, oldest first. A task with no
// history returns an empty slice and no error.
func (s *Store) Load(ctx context.Context, taskID string) ([]conversation.Turn, error) {
	s.mu.RLock()
	cached, ok := s.cache[taskID]
	s.mu.RUnlock()
	if ok {
		metrics.HistoryCacheHits.Inc()
		s.mu.Lock()
		s.access[taskID] = time.Now()
		s.mu.Unlock()
		return append([]conversation.Turn(nil), cached...), nil
	}
	metrics.HistoryCacheMisses.Inc()

	data, err := s.client.Get(ctx, s.historyKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	turns, err := conversation.DecodeTurns(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	s.mu.Lock()
	s.cache[taskID] = turns
	s.access[taskID] = time.Now()
	s.evictLocked()
	metrics.HistoryCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()

	return append([]conversation.Turn(nil), turns...), nil
}

// Append writes turns to the end of a task's history and refreshes its TTL.
// Histories are bounded; the oldest turns are dropped past MaxTurns.
func (s *Store) Append(ctx context.Context, taskID string, turns ...conversation.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	existing, err := s.Load(ctx, taskID)
	if err != nil {
		return err
	}

	updated := existing
	for _, t := range turns {
		updated = conversation.Append(updated, t)
	}
	if len(updated) > s.opts.MaxTurns {
		updated = updated[len(updated)-s.opts.MaxTurns:]
	}

	if err := s.save(ctx, taskID, updated); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[taskID] = updated
	s.access[taskID] = time.Now()
	s.evictLocked()
	metrics.HistoryCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()

	return nil
}

// Replace overwrites a task's history wholesale. Used on session reset when
// the reset marker turn survives but everything before it is discarded.
func (s *Store) Replace(ctx context.Context, taskID string, turns []conversation.Turn) error {
	if err := s.save(ctx, taskID, turns); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[taskID] = append([]conversation.Turn(nil), turns...)
	s.access[taskID] = time.Now()
	s.mu.Unlock()
	return nil
}

// Clear deletes a task's history.
func (s *Store) Clear(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.historyKey(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, taskID)
	delete(s.access, taskID)
	metrics.HistoryCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()

	s.logger.Info("Cleared conversation history", zap.String("task_id", taskID))
	return nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// RedisWrapper exposes the circuit breaker wrapper for health checks.
func (s *Store) RedisWrapper() *circuitbreaker.RedisWrapper {
	return s.client
}

func (s *Store) historyKey(taskID string) string {
	return fmt.Sprintf("history:%s", taskID)
}

func (s *Store) save(ctx context.Context, taskID string, turns []conversation.Turn) error {
	data, err := conversation.EncodeTurns(turns)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := s.client.Set(ctx, s.historyKey(taskID), data, s.opts.TTL).Err(); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// evictLocked drops the least recently used half of the cache once it grows
// past the bound. Caller holds s.mu.
func (s *Store) evictLocked() {
	if len(s.cache) <= s.opts.MaxCacheEntries {
		return
	}

	type entry struct {
		id   string
		time time.Time
	}
	entries := make([]entry, 0, len(s.cache))
	for id := range s.cache {
		entries = append(entries, entry{id: id, time: s.access[id]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}

	toRemove := s.opts.MaxCacheEntries / 2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(s.cache, entries[i].id)
		delete(s.access, entries[i].id)
		metrics.HistoryCacheEvictions.Inc()
	}
}
