// Package archive moves expired sessions out of the hot store into an
// append-only ClickHouse table. The rows are raw material for external
// analytics consumers; nothing here computes dashboards.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/journeykit-dev/journeykit/pkg/journey"
	"github.com/journeykit-dev/journeykit/pkg/observability"
)

// Config holds the ClickHouse connection settings.
type Config struct {
	Addrs    []string
	Database string
	Username string
	Password string
}

// Archiver batch-inserts terminal sessions' touchpoints into ClickHouse
// and then deletes the Redis keys.
type Archiver struct {
	conn      clickhouse.Conn
	store     journey.Store
	retention time.Duration
	logger    *zap.Logger
}

// New connects to ClickHouse and returns an archiver.
func New(cfg Config, store journey.Store, retention time.Duration, logger *zap.Logger) (*Archiver, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("clickhouse addrs are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addrs,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}

	return &Archiver{conn: conn, store: store, retention: retention, logger: logger}, nil
}

// Run archives every terminal session older than the retention window.
// Called from the background scheduler.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-a.retention)
	archived := 0

	for _, stage := range []journey.Stage{journey.StageRetention, journey.StageAbandoned} {
		ids, err := a.store.SessionsByStage(ctx, stage)
		if err != nil {
			return archived, fmt.Errorf("scan %s: %w", stage, err)
		}
		for _, id := range ids {
			select {
			case <-ctx.Done():
				return archived, ctx.Err()
			default:
			}

			sess, err := a.store.GetSession(ctx, id)
			if err != nil {
				observability.CountError("archive_load")
				a.logger.Warn("archive load failed", zap.String("session_id", id), zap.Error(err))
				continue
			}
			if sess.EndedAt.IsZero() || sess.EndedAt.After(cutoff) {
				continue
			}

			if err := a.archiveSession(ctx, sess); err != nil {
				observability.CountError("archive_write")
				a.logger.Warn("archive failed", zap.String("session_id", id), zap.Error(err))
				continue
			}
			archived++
		}
	}
	return archived, nil
}

// archiveSession writes the session's touchpoints to ClickHouse, then
// removes the hot keys. Insert first, delete second: a crash in between
// leaves a duplicate row, never a lost one.
func (a *Archiver) archiveSession(ctx context.Context, sess *journey.Session) error {
	tps, err := a.store.Touchpoints(ctx, sess.ID)
	if err != nil {
		return err
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO journey_touchpoints (
			session_id, visitor_id, journey_path, final_stage, seq,
			touchpoint_type, engagement, duration_ms, scroll_depth,
			payload, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, tp := range tps {
		payload, _ := json.Marshal(tp.Payload)
		if err := batch.Append(
			tp.SessionID,
			sess.VisitorID,
			sess.Path,
			string(sess.Stage),
			tp.Seq,
			string(tp.Type),
			tp.Engagement,
			tp.Duration.Milliseconds(),
			tp.ScrollDepth,
			string(payload),
			tp.RecordedAt,
		); err != nil {
			return fmt.Errorf("append touchpoint %d: %w", tp.Seq, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	if err := a.store.ArchiveSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	if err := a.store.DeleteSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("delete hot keys: %w", err)
	}

	a.logger.Info("session archived",
		zap.String("session_id", sess.ID),
		zap.Int("touchpoints", len(tps)))
	return nil
}

// Close releases the ClickHouse connection.
func (a *Archiver) Close() error {
	return a.conn.Close()
}
