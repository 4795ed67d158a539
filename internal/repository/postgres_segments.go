package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-presence/internal/models"

	"go.uber.org/zap"
)

// PostgresSegmentsRepository 睡眠/清醒片段 Repository 实现
type PostgresSegmentsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresSegmentsRepository 创建睡眠/清醒片段 Repository
func NewPostgresSegmentsRepository(db *sql.DB, logger *zap.Logger) *PostgresSegmentsRepository {
	return &PostgresSegmentsRepository{db: db, logger: logger}
}

// 确保实现了接口
var _ SegmentsRepository = (*PostgresSegmentsRepository)(nil)

// CreateSleepSegment 追加一条睡眠片段
func (r *PostgresSegmentsRepository) CreateSleepSegment(ctx context.Context, segment *models.SleepSegment) error {
	if segment.TenantID == "" || segment.UserID == "" {
		return fmt.Errorf("tenant_id and user_id are required")
	}
	if segment.EndTime != nil && !segment.StartTime.Before(*segment.EndTime) {
		return fmt.Errorf("sleep segment start must be before end")
	}

	query := `
		INSERT INTO sleep_segments (
			segment_id, tenant_id, user_id, start_time, end_time,
			duration_minutes, source, raw_note
		) VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		segment.SegmentID,
		segment.TenantID,
		segment.UserID,
		segment.StartTime,
		segment.EndTime,
		segment.DurationMinutes,
		string(segment.Source),
		segment.RawNote,
	)
	if err != nil {
		return fmt.Errorf("failed to create sleep segment: %w", err)
	}

	return nil
}

// CreateWakeSegment 追加一条清醒片段
func (r *PostgresSegmentsRepository) CreateWakeSegment(ctx context.Context, segment *models.WakeSegment) error {
	if segment.TenantID == "" || segment.UserID == "" {
		return fmt.Errorf("tenant_id and user_id are required")
	}

	query := `
		INSERT INTO wake_segments (
			segment_id, tenant_id, user_id, start_time, end_time,
			duration_minutes, source, notes
		) VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		segment.SegmentID,
		segment.TenantID,
		segment.UserID,
		segment.StartTime,
		segment.EndTime,
		segment.DurationMinutes,
		string(segment.Source),
		segment.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to create wake segment: %w", err)
	}

	return nil
}

// ListSleepSegmentsTouching 列出与 [from, to] 有交集的睡眠片段
//
// 交集判定：start_time <= to AND (end_time IS NULL OR end_time >= from)，
// 进行中的片段（end_time 为 NULL）始终视为触及窗口尾部。
func (r *PostgresSegmentsRepository) ListSleepSegmentsTouching(ctx context.Context, tenantID, userID string, from, to time.Time) ([]models.SleepSegment, error) {
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("tenant_id and user_id are required")
	}

	query := `
		SELECT
			segment_id::text,
			tenant_id::text,
			user_id::text,
			start_time,
			end_time,
			duration_minutes,
			source,
			COALESCE(raw_note, '') AS raw_note,
			created_at
		FROM sleep_segments
		WHERE tenant_id = $1::uuid
		  AND user_id = $2::uuid
		  AND start_time <= $4
		  AND (end_time IS NULL OR end_time >= $3)
		ORDER BY start_time ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list sleep segments: %w", err)
	}
	defer rows.Close()

	var segments []models.SleepSegment
	for rows.Next() {
		var segment models.SleepSegment
		var endTime sql.NullTime
		var source string
		if err := rows.Scan(
			&segment.SegmentID,
			&segment.TenantID,
			&segment.UserID,
			&segment.StartTime,
			&endTime,
			&segment.DurationMinutes,
			&source,
			&segment.RawNote,
			&segment.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sleep segment: %w", err)
		}
		if endTime.Valid {
			t := endTime.Time
			segment.EndTime = &t
		}
		segment.Source = models.SegmentSource(source)
		segments = append(segments, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sleep segments: %w", err)
	}

	return segments, nil
}

// ListWakeSegmentsTouching 列出与 [from, to] 有交集的清醒片段
func (r *PostgresSegmentsRepository) ListWakeSegmentsTouching(ctx context.Context, tenantID, userID string, from, to time.Time) ([]models.WakeSegment, error) {
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("tenant_id and user_id are required")
	}

	query := `
		SELECT
			segment_id::text,
			tenant_id::text,
			user_id::text,
			start_time,
			end_time,
			duration_minutes,
			source,
			COALESCE(notes, '') AS notes,
			created_at
		FROM wake_segments
		WHERE tenant_id = $1::uuid
		  AND user_id = $2::uuid
		  AND start_time <= $4
		  AND (end_time IS NULL OR end_time >= $3)
		ORDER BY start_time ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list wake segments: %w", err)
	}
	defer rows.Close()

	var segments []models.WakeSegment
	for rows.Next() {
		var segment models.WakeSegment
		var endTime sql.NullTime
		var source string
		if err := rows.Scan(
			&segment.SegmentID,
			&segment.TenantID,
			&segment.UserID,
			&segment.StartTime,
			&endTime,
			&segment.DurationMinutes,
			&source,
			&segment.Notes,
			&segment.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan wake segment: %w", err)
		}
		if endTime.Valid {
			t := endTime.Time
			segment.EndTime = &t
		}
		segment.Source = models.SegmentSource(source)
		segments = append(segments, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wake segments: %w", err)
	}

	return segments, nil
}
