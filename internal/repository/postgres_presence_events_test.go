package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"wisefido-presence/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupEventsMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresPresenceEventsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewPostgresPresenceEventsRepository(db, logger)

	return db, mock, repo
}

func TestAppendEvent_Success(t *testing.T) {
	db, mock, repo := setupEventsMockDB(t)
	defer db.Close()

	ts := time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC)
	event := &models.PresenceEvent{
		EventID:     "11111111-1111-1111-1111-111111111111",
		TenantID:    "22222222-2222-2222-2222-222222222222",
		UserID:      "33333333-3333-3333-3333-333333333333",
		Timestamp:   ts,
		Kind:        models.EventConfirmedAway,
		IdleSeconds: 180,
	}

	mock.ExpectExec(`INSERT INTO presence_events`).
		WithArgs(event.EventID, event.TenantID, event.UserID, ts, "confirmed_away", 180.0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AppendEvent(context.Background(), event)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvent_MissingTenant(t *testing.T) {
	db, _, repo := setupEventsMockDB(t)
	defer db.Close()

	err := repo.AppendEvent(context.Background(), &models.PresenceEvent{
		UserID: "33333333-3333-3333-3333-333333333333",
	})

	assert.Error(t, err)
}

func TestListEventsSince_Success(t *testing.T) {
	db, mock, repo := setupEventsMockDB(t)
	defer db.Close()

	tenantID := "22222222-2222-2222-2222-222222222222"
	userID := "33333333-3333-3333-3333-333333333333"
	since := time.Date(2025, 3, 11, 7, 0, 0, 0, time.UTC)

	awayTS := time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC)
	returnTS := time.Date(2025, 3, 12, 7, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"event_id", "tenant_id", "user_id", "ts", "kind", "idle_seconds", "duration_minutes",
	}).
		AddRow("e-1", tenantID, userID, awayTS, "confirmed_away", 180.0, nil).
		AddRow("e-2", tenantID, userID, returnTS, "returned", 0.0, 480.0)

	mock.ExpectQuery(`SELECT`).
		WithArgs(tenantID, userID, since).
		WillReturnRows(rows)

	events, err := repo.ListEventsSince(context.Background(), tenantID, userID, since)

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventConfirmedAway, events[0].Kind)
	assert.Nil(t, events[0].DurationMinutes)
	assert.Equal(t, models.EventReturned, events[1].Kind)
	require.NotNil(t, events[1].DurationMinutes)
	assert.InDelta(t, 480, *events[1].DurationMinutes, 0.001)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneEventsBefore_ReturnsDeletedCount(t *testing.T) {
	db, mock, repo := setupEventsMockDB(t)
	defer db.Close()

	cutoff := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM presence_events`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	deleted, err := repo.PruneEventsBefore(context.Background(), cutoff)

	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
