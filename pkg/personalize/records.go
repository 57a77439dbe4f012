// Package personalize chooses a content strategy and variant for a
// session and keeps the decision records that feed variant performance
// back into future selections.
package personalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Response is the observed user reaction to a served variant.
type Response string

const (
	ResponseNone     Response = "none"
	ResponsePositive Response = "positive"
	ResponseNegative Response = "negative"
	ResponseNeutral  Response = "neutral"
)

// Record is one applied personalization decision. Created when a variant
// is served; its response is set at most once, then the record is frozen.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Strategy   string    `json:"strategy"`
	Variant    string    `json:"variant"`
	ContentRef string    `json:"contentRef"`
	Response   Response  `json:"response"`
	Attributed bool      `json:"attributed"`
	Confidence float64   `json:"confidence"`
	ServedAt   time.Time `json:"servedAt"`
	// RespondedAt is set when the outcome arrives.
	RespondedAt time.Time `json:"respondedAt,omitempty"`
}

// Performance aggregates how a (strategy, variant) pair has done so far.
type Performance struct {
	Served   int64
	Positive int64
}

// Prior is the engagement prior used when ranking the variant. With no
// history it is neutral (0.5) so cold-start variants are never starved.
func (p Performance) Prior() float64 {
	if p.Served == 0 {
		return 0.5
	}
	return float64(p.Positive) / float64(p.Served)
}

var (
	// ErrRecordNotFound is returned when a record doesn't exist.
	ErrRecordNotFound = errors.New("personalization record not found")
	// ErrRecordFrozen is returned when a record's response was already
	// set.
	ErrRecordFrozen = errors.New("personalization record already resolved")
)

// RecordStore persists decision records and performance aggregates.
type RecordStore interface {
	// SaveRecord persists a new decision record and bumps the served
	// counter and last-served clock for its (strategy, variant).
	SaveRecord(ctx context.Context, rec *Record) error

	// GetRecord loads a record by ID.
	GetRecord(ctx context.Context, recordID string) (*Record, error)

	// ResolveRecord sets the record's response exactly once.
	// Returns ErrRecordFrozen if the response was already set.
	ResolveRecord(ctx context.Context, recordID string, resp Response, attributed bool) (*Record, error)

	// GetPerformance returns the aggregate for a (strategy, variant).
	GetPerformance(ctx context.Context, strategy, variant string) (Performance, error)

	// LastServed returns when each variant of a strategy was last
	// served; absent variants have the zero time.
	LastServed(ctx context.Context, strategy string) (map[string]time.Time, error)

	// OpenRecord returns the most recent unresolved record for a
	// session, or nil. Used for conversion attribution.
	OpenRecord(ctx context.Context, sessionID string) (*Record, error)
}

// RedisRecords implements RecordStore on Redis.
type RedisRecords struct {
	client *redis.Client
	prefix string
}

// NewRedisRecords creates a record store over an existing client.
func NewRedisRecords(client *redis.Client, prefix string) *RedisRecords {
	if prefix == "" {
		prefix = "jk:"
	}
	return &RedisRecords{client: client, prefix: prefix}
}

func (r *RedisRecords) recordKey(id string) string { return r.prefix + "record:" + id }

func (r *RedisRecords) sessionRecordsKey(sessionID string) string {
	return r.prefix + "session:records:" + sessionID
}

func (r *RedisRecords) perfKey(strategy, variant string) string {
	return r.prefix + "perf:" + strategy + ":" + variant
}

func (r *RedisRecords) servedKey(strategy string) string {
	return r.prefix + "served:" + strategy
}

// SaveRecord persists a decision record.
func (r *RedisRecords) SaveRecord(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.recordKey(rec.ID), data, 0)
	pipe.RPush(ctx, r.sessionRecordsKey(rec.SessionID), rec.ID)
	pipe.HIncrBy(ctx, r.perfKey(rec.Strategy, rec.Variant), "served", 1)
	pipe.HSet(ctx, r.servedKey(rec.Strategy), rec.Variant, rec.ServedAt.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// GetRecord loads a record by ID.
func (r *RedisRecords) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	data, err := r.client.Get(ctx, r.recordKey(recordID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// ResolveRecord sets the response once, updates the positive aggregate,
// and freezes the record.
func (r *RedisRecords) ResolveRecord(ctx context.Context, recordID string, resp Response, attributed bool) (*Record, error) {
	rec, err := r.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Response != "" && rec.Response != ResponseNone {
		return nil, ErrRecordFrozen
	}

	rec.Response = resp
	rec.Attributed = attributed
	rec.RespondedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.recordKey(recordID), data, 0)
	if resp == ResponsePositive || attributed {
		pipe.HIncrBy(ctx, r.perfKey(rec.Strategy, rec.Variant), "positive", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("resolve record: %w", err)
	}
	return rec, nil
}

// GetPerformance returns the aggregate counters for a (strategy, variant).
func (r *RedisRecords) GetPerformance(ctx context.Context, strategy, variant string) (Performance, error) {
	vals, err := r.client.HGetAll(ctx, r.perfKey(strategy, variant)).Result()
	if err != nil {
		return Performance{}, fmt.Errorf("get performance: %w", err)
	}

	var perf Performance
	if v, ok := vals["served"]; ok {
		perf.Served, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["positive"]; ok {
		perf.Positive, _ = strconv.ParseInt(v, 10, 64)
	}
	return perf, nil
}

// LastServed returns per-variant last-served times for a strategy.
func (r *RedisRecords) LastServed(ctx context.Context, strategy string) (map[string]time.Time, error) {
	vals, err := r.client.HGetAll(ctx, r.servedKey(strategy)).Result()
	if err != nil {
		return nil, fmt.Errorf("get last served: %w", err)
	}

	out := make(map[string]time.Time, len(vals))
	for variant, v := range vals {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[variant] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}

// OpenRecord returns the newest unresolved record for a session, or nil.
func (r *RedisRecords) OpenRecord(ctx context.Context, sessionID string) (*Record, error) {
	ids, err := r.client.LRange(ctx, r.sessionRecordsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}

	for i := len(ids) - 1; i >= 0; i-- {
		rec, err := r.GetRecord(ctx, ids[i])
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		if rec.Response == "" || rec.Response == ResponseNone {
			return rec, nil
		}
	}
	return nil, nil
}
