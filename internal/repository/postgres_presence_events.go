package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-presence/internal/models"

	"go.uber.org/zap"
)

// PostgresPresenceEventsRepository 在场事件 Repository 实现
type PostgresPresenceEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresPresenceEventsRepository 创建在场事件 Repository
func NewPostgresPresenceEventsRepository(db *sql.DB, logger *zap.Logger) *PostgresPresenceEventsRepository {
	return &PostgresPresenceEventsRepository{db: db, logger: logger}
}

// 确保实现了接口
var _ PresenceEventsRepository = (*PostgresPresenceEventsRepository)(nil)

// AppendEvent 追加一条在场事件（仅追加，从不更新）
func (r *PostgresPresenceEventsRepository) AppendEvent(ctx context.Context, event *models.PresenceEvent) error {
	if event.TenantID == "" || event.UserID == "" {
		return fmt.Errorf("tenant_id and user_id are required")
	}

	query := `
		INSERT INTO presence_events (
			event_id, tenant_id, user_id, ts, kind, idle_seconds, duration_minutes
		) VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.TenantID,
		event.UserID,
		event.Timestamp,
		string(event.Kind),
		event.IdleSeconds,
		event.DurationMinutes,
	)
	if err != nil {
		return fmt.Errorf("failed to append presence event: %w", err)
	}

	return nil
}

// ListEventsSince 按时间升序列出某用户自 since 以来的事件
func (r *PostgresPresenceEventsRepository) ListEventsSince(ctx context.Context, tenantID, userID string, since time.Time) ([]models.PresenceEvent, error) {
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("tenant_id and user_id are required")
	}

	query := `
		SELECT
			event_id::text,
			tenant_id::text,
			user_id::text,
			ts,
			kind,
			idle_seconds,
			duration_minutes
		FROM presence_events
		WHERE tenant_id = $1::uuid
		  AND user_id = $2::uuid
		  AND ts >= $3
		ORDER BY ts ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence events: %w", err)
	}
	defer rows.Close()

	var events []models.PresenceEvent
	for rows.Next() {
		var event models.PresenceEvent
		var kind string
		var duration sql.NullFloat64
		if err := rows.Scan(
			&event.EventID,
			&event.TenantID,
			&event.UserID,
			&event.Timestamp,
			&kind,
			&event.IdleSeconds,
			&duration,
		); err != nil {
			return nil, fmt.Errorf("failed to scan presence event: %w", err)
		}
		event.Kind = models.PresenceEventKind(kind)
		if duration.Valid {
			d := duration.Float64
			event.DurationMinutes = &d
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate presence events: %w", err)
	}

	return events, nil
}

// PruneEventsBefore 删除 cutoff 之前的事件（保留策略）
func (r *PostgresPresenceEventsRepository) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM presence_events WHERE ts < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune presence events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get pruned row count: %w", err)
	}

	if deleted > 0 {
		r.logger.Info("Pruned presence events",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}

	return deleted, nil
}
