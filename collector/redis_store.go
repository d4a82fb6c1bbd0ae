package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/itsneelabh/pulse/core"
	"github.com/itsneelabh/pulse/telemetry"
)

// DefaultNamespace prefixes every key the Redis store writes.
const DefaultNamespace = "pulse:collector"

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	RedisURL   string
	DB         int           // Redis DB number for isolation (0-15)
	Namespace  string        // Key namespace, DefaultNamespace when empty
	TTL        time.Duration // Expiry refreshed on every write, zero keeps keys forever
	MaxPerType int64         // Envelopes kept per kind, zero is unbounded
	Logger     core.Logger
}

// RedisStore keeps envelopes in one sorted set per kind, scored by envelope
// timestamp, so range reads come back in collector order regardless of arrival.
type RedisStore struct {
	client     *redis.Client
	namespace  string
	ttl        time.Duration
	maxPerType int64
	logger     core.Logger
}

// storedEnvelope is the sorted set member. Seq is zero padded and encoded first, so
// members with equal scores sort by arrival. The id keeps identical envelopes from
// collapsing into one member.
type storedEnvelope struct {
	Seq      string              `json:"seq"`
	ID       string              `json:"id"`
	Envelope *telemetry.Envelope `json:"envelope"`
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	if opts.RedisURL == "" {
		return nil, &core.FrameworkError{
			Op:      "collector.NewRedisStore",
			Kind:    "config",
			Message: "redis URL is required",
			Err:     core.ErrMissingConfiguration,
		}
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
			"redis_url":  opts.RedisURL,
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}

	// Override DB for isolation
	if opts.DB > 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
			"db":         redisOpt.DB,
		})
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", redisOpt.DB, core.ErrConnectionFailed)
	}

	store := NewRedisStoreWithClient(client, opts)
	store.logger.Info("Redis envelope store connected", map[string]interface{}{
		"db":        redisOpt.DB,
		"namespace": store.namespace,
		"ttl":       opts.TTL.String(),
	})
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client. The connection is not checked.
func NewRedisStoreWithClient(client *redis.Client, opts RedisStoreOptions) *RedisStore {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStore{
		client:     client,
		namespace:  namespace,
		ttl:        opts.TTL,
		maxPerType: opts.MaxPerType,
		logger:     logger,
	}
}

func (s *RedisStore) key(kind telemetry.Kind) string {
	return fmt.Sprintf("%s:envelopes:%s", s.namespace, kind)
}

func (s *RedisStore) seqKey() string {
	return s.namespace + ":seq"
}

// Put adds env to the sorted set of its kind, then refreshes the TTL and trims the
// oldest members in the same pipeline.
func (s *RedisStore) Put(ctx context.Context, env *telemetry.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return &core.FrameworkError{Op: "RedisStore.Put", Kind: "storage", Message: "allocate sequence", Err: err}
	}

	member, err := json.Marshal(storedEnvelope{
		Seq:      fmt.Sprintf("%020d", seq),
		ID:       uuid.NewString(),
		Envelope: env,
	})
	if err != nil {
		return &core.FrameworkError{Op: "RedisStore.Put", Kind: "encoding", Message: "encode envelope", Err: err}
	}

	key := s.key(env.Type)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(env.Timestamp), Member: member})
	if s.maxPerType > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, -s.maxPerType-1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to store envelope", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
			"key":        key,
		})
		return &core.FrameworkError{Op: "RedisStore.Put", Kind: "storage", Message: "store envelope", Err: err}
	}
	return nil
}

// List reads the most recent members of each requested kind and merges them in
// timestamp order.
func (s *RedisStore) List(ctx context.Context, q Query) ([]*telemetry.Envelope, error) {
	kinds := Kinds
	if q.Type != "" {
		kinds = []telemetry.Kind{q.Type}
	}
	limit := int64(q.limit())

	var out []record
	for _, kind := range kinds {
		members, err := s.client.ZRange(ctx, s.key(kind), -limit, -1).Result()
		if err != nil {
			return nil, &core.FrameworkError{Op: "RedisStore.List", Kind: "storage", Message: "read " + string(kind), Err: err}
		}
		for _, m := range members {
			var stored storedEnvelope
			if err := json.Unmarshal([]byte(m), &stored); err != nil || stored.Envelope == nil {
				s.logger.Warn("Skipping unreadable stored envelope", map[string]interface{}{
					"key":   s.key(kind),
					"error": err,
				})
				continue
			}
			seq, _ := strconv.ParseUint(stored.Seq, 10, 64)
			out = append(out, record{seq: seq, env: stored.Envelope})
		}
	}
	sortRecords(out)
	return envelopes(tail(out, q.limit())), nil
}

// Counts returns the cardinality of each kind's sorted set.
func (s *RedisStore) Counts(ctx context.Context) (map[telemetry.Kind]int64, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[telemetry.Kind]*redis.IntCmd, len(Kinds))
	for _, kind := range Kinds {
		cmds[kind] = pipe.ZCard(ctx, s.key(kind))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, &core.FrameworkError{Op: "RedisStore.Counts", Kind: "storage", Err: err}
	}
	counts := make(map[telemetry.Kind]int64, len(Kinds))
	for kind, cmd := range cmds {
		counts[kind] = cmd.Val()
	}
	return counts, nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.logger.Info("Closing Redis envelope store", map[string]interface{}{
		"namespace": s.namespace,
	})
	err := s.client.Close()
	if err != nil {
		s.logger.Error("Failed to close Redis client", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
	}
	return err
}
