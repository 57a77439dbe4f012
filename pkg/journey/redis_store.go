package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store, TriggerExpiryStore and LinkStore on Redis.
// It provides distributed journey state suitable for multi-node
// deployments: session documents are versioned JSON values updated under
// WATCH, touchpoint logs are append-only lists, and stage membership is
// kept in set indexes for the optimization loop's range scans.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all journey keys (default: "jk:").
	Prefix string
	// SessionTTL is the hard expiry for session keys (0 = never expire).
	// Retention archival normally removes sessions well before this.
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a Redis-backed journey store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "jk:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisStoreFromClient creates a store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "jk:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Client exposes the underlying connection so sibling stores (decision
// records, event publishing) can share the pool.
func (s *RedisStore) Client() *redis.Client { return s.client }

// Key helpers
func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:meta:" + id }

func (s *RedisStore) touchpointsKey(id string) string {
	return s.prefix + "session:touchpoints:" + id
}

func (s *RedisStore) conversionsKey(id string) string {
	return s.prefix + "session:conversions:" + id
}

func (s *RedisStore) stageKey(stage Stage) string { return s.prefix + "session:stage:" + string(stage) }

func (s *RedisStore) visitorKey(id string) string { return s.prefix + "visitor:" + id }

func (s *RedisStore) fingerprintKey(fp string) string { return s.prefix + "fingerprint:" + fp }

func (s *RedisStore) proofKey(name string) string { return s.prefix + "proof:" + name }

func (s *RedisStore) linkKey(id string) string { return s.prefix + "link:" + id }

func (s *RedisStore) linkOfKey(sessionID string) string { return s.prefix + "linkof:" + sessionID }

func (s *RedisStore) expiryKey(sessionID, trigger string) string {
	return s.prefix + "expiry:" + sessionID + ":" + trigger
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// CreateSession persists a new session, idempotent on ID: if the session
// already exists the stored copy is returned unchanged.
func (s *RedisStore) CreateSession(ctx context.Context, sess *Session) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.sessionKey(sess.ID), data, s.ttl).Result()
	if err != nil {
		return nil, &TransientError{Op: "create session", Err: err}
	}
	if !created {
		return s.GetSession(ctx, sess.ID)
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.stageKey(sess.Stage), sess.ID)
	if sess.VisitorID != "" {
		pipe.SAdd(ctx, s.visitorKey(sess.VisitorID), sess.ID)
	}
	if sess.Device.Fingerprint != "" {
		pipe.SAdd(ctx, s.fingerprintKey(sess.Device.Fingerprint), sess.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &TransientError{Op: "index session", Err: err}
	}

	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, &TransientError{Op: "get session", Err: err}
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// UpdateSession writes sess back under an optimistic version check. The
// stage set indexes are corrected in the same transaction when the stage
// changed.
func (s *RedisStore) UpdateSession(ctx context.Context, sess *Session) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	key := s.sessionKey(sess.ID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return err
		}

		var stored Session
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if stored.Version != sess.Version {
			return ErrStaleWrite
		}

		next := *sess
		next.Version = stored.Version + 1
		out, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			if stored.Stage != next.Stage {
				pipe.SRem(ctx, s.stageKey(stored.Stage), sess.ID)
				pipe.SAdd(ctx, s.stageKey(next.Stage), sess.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sess.Version = next.Version
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStaleWrite
	}
	if err != nil {
		if errors.Is(err, ErrStaleWrite) || errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return &TransientError{Op: "update session", Err: err}
	}
	return nil
}

// AppendTouchpoint appends one touchpoint to the session's log. The
// append is idempotent on sequence number: when the tail of the log
// already carries tp.Seq, the row landed on an earlier attempt whose
// caller saw an error, and replaying it is a no-op. The log stays
// gapless and duplicate-free for every consumer.
func (s *RedisStore) AppendTouchpoint(ctx context.Context, tp *Touchpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(tp)
	if err != nil {
		return fmt.Errorf("marshal touchpoint: %w", err)
	}

	key := s.touchpointsKey(tp.SessionID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		last, err := tx.LIndex(ctx, key, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var prev Touchpoint
			if uerr := json.Unmarshal([]byte(last), &prev); uerr == nil && prev.Seq >= tp.Seq {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return &TransientError{Op: "append touchpoint", Err: err}
	}
	return nil
}

// Touchpoints retrieves all of a session's touchpoints in order.
func (s *RedisStore) Touchpoints(ctx context.Context, sessionID string) ([]*Touchpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.LRange(ctx, s.touchpointsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, &TransientError{Op: "load touchpoints", Err: err}
	}

	tps := make([]*Touchpoint, 0, len(data))
	for _, d := range data {
		var tp Touchpoint
		if err := json.Unmarshal([]byte(d), &tp); err != nil {
			return nil, fmt.Errorf("unmarshal touchpoint: %w", err)
		}
		tps = append(tps, &tp)
	}
	return tps, nil
}

// AppendConversion records a conversion outcome.
func (s *RedisStore) AppendConversion(ctx context.Context, conv *Conversion) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversion: %w", err)
	}
	if err := s.client.RPush(ctx, s.conversionsKey(conv.SessionID), data).Err(); err != nil {
		return &TransientError{Op: "append conversion", Err: err}
	}
	return nil
}

// Conversions retrieves a session's conversions in recorded order.
func (s *RedisStore) Conversions(ctx context.Context, sessionID string) ([]*Conversion, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.LRange(ctx, s.conversionsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, &TransientError{Op: "load conversions", Err: err}
	}

	convs := make([]*Conversion, 0, len(data))
	for _, d := range data {
		var c Conversion
		if err := json.Unmarshal([]byte(d), &c); err != nil {
			return nil, fmt.Errorf("unmarshal conversion: %w", err)
		}
		convs = append(convs, &c)
	}
	return convs, nil
}

// SessionsByStage returns IDs of sessions currently in stage, sorted for
// deterministic iteration (Redis sets are unordered).
func (s *RedisStore) SessionsByStage(ctx context.Context, stage Stage) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.stageKey(stage)).Result()
	if err != nil {
		return nil, &TransientError{Op: "scan stage", Err: err}
	}
	sort.Strings(ids)
	return ids, nil
}

// SessionsByVisitor returns IDs of sessions sharing a declared visitor ID.
func (s *RedisStore) SessionsByVisitor(ctx context.Context, visitorID string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.visitorKey(visitorID)).Result()
	if err != nil {
		return nil, &TransientError{Op: "scan visitor", Err: err}
	}
	sort.Strings(ids)
	return ids, nil
}

// SessionsByFingerprint returns IDs of sessions observed on the same
// device fingerprint.
func (s *RedisStore) SessionsByFingerprint(ctx context.Context, fingerprint string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.fingerprintKey(fingerprint)).Result()
	if err != nil {
		return nil, &TransientError{Op: "scan fingerprint", Err: err}
	}
	sort.Strings(ids)
	return ids, nil
}

// IncrProofCounter bumps a real aggregated counter and returns the new
// value.
func (s *RedisStore) IncrProofCounter(ctx context.Context, name string, delta int64) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	n, err := s.client.IncrBy(ctx, s.proofKey(name), delta).Result()
	if err != nil {
		return 0, &TransientError{Op: "incr proof counter", Err: err}
	}
	return n, nil
}

// ProofCounter reads an aggregated counter, 0 if absent.
func (s *RedisStore) ProofCounter(ctx context.Context, name string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	val, err := s.client.Get(ctx, s.proofKey(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, &TransientError{Op: "get proof counter", Err: err}
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse proof counter %q: %w", name, err)
	}
	return n, nil
}

// TriggerExpiry returns the deadline first issued for (sessionID, trigger),
// storing candidate if none exists yet. Because only the first write
// sticks, a countdown can never be reissued with a later deadline.
func (s *RedisStore) TriggerExpiry(ctx context.Context, sessionID, trigger string, candidate time.Time) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}

	key := s.expiryKey(sessionID, trigger)
	if err := s.client.SetNX(ctx, key, candidate.UnixMilli(), s.ttl).Err(); err != nil {
		return time.Time{}, &TransientError{Op: "set trigger expiry", Err: err}
	}

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return time.Time{}, &TransientError{Op: "get trigger expiry", Err: err}
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse trigger expiry: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// LinkOf returns the link ID a session belongs to, or "" if unlinked.
func (s *RedisStore) LinkOf(ctx context.Context, sessionID string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	id, err := s.client.Get(ctx, s.linkOfKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", &TransientError{Op: "get link pointer", Err: err}
	}
	return id, nil
}

// GetLink loads a link document by ID.
func (s *RedisStore) GetLink(ctx context.Context, linkID string) (*Link, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.linkKey(linkID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("link %s: %w", linkID, ErrSessionNotFound)
		}
		return nil, &TransientError{Op: "get link", Err: err}
	}

	var link Link
	if err := json.Unmarshal(data, &link); err != nil {
		return nil, fmt.Errorf("unmarshal link: %w", err)
	}
	return &link, nil
}

// SaveLink writes a link and repoints every member session at it.
func (s *RedisStore) SaveLink(ctx context.Context, link *Link) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.linkKey(link.ID), data, 0)
	for _, sessionID := range link.Sessions {
		pipe.Set(ctx, s.linkOfKey(sessionID), link.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &TransientError{Op: "save link", Err: err}
	}
	return nil
}

// RemoveLink deletes an absorbed link document.
func (s *RedisStore) RemoveLink(ctx context.Context, linkID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.linkKey(linkID)).Err(); err != nil {
		return &TransientError{Op: "remove link", Err: err}
	}
	return nil
}

// ArchiveSession marks a session archived and drops it from the stage
// indexes so background scans stop visiting it.
func (s *RedisStore) ArchiveSession(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Archived = true
	if err := s.UpdateSession(ctx, sess); err != nil {
		return err
	}
	if err := s.client.SRem(ctx, s.stageKey(sess.Stage), sessionID).Err(); err != nil {
		return &TransientError{Op: "deindex session", Err: err}
	}
	return nil
}

// DeleteSession removes a session and all its data.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.sessionKey(sessionID))
	pipe.Del(ctx, s.touchpointsKey(sessionID))
	pipe.Del(ctx, s.conversionsKey(sessionID))
	pipe.Del(ctx, s.linkOfKey(sessionID))
	if sess != nil {
		pipe.SRem(ctx, s.stageKey(sess.Stage), sessionID)
		if sess.VisitorID != "" {
			pipe.SRem(ctx, s.visitorKey(sess.VisitorID), sessionID)
		}
		if sess.Device.Fingerprint != "" {
			pipe.SRem(ctx, s.fingerprintKey(sess.Device.Fingerprint), sessionID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &TransientError{Op: "delete session", Err: err}
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Publish emits a raw payload on a pub/sub channel. The events package
// layers typed envelopes on top of this.
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return &TransientError{Op: "publish", Err: err}
	}
	return nil
}

// Close releases resources held by the store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
