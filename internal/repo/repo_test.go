package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/oobauth/server/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codeCols = []string{"id", "code", "attempt_id", "user_id", "used", "used_at", "created_at", "expires_at"}

func TestCodeRepo_Consume(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewCodeRepo(db)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	id, attemptID, userID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE code = $1 AND used = false AND expires_at > $2")).
		WithArgs("ABCDEFGHJK", now).
		WillReturnRows(sqlmock.NewRows(codeCols).
			AddRow(id.String(), "ABCDEFGHJK", attemptID.String(), userID.String(), true, now, now.Add(-time.Minute), now.Add(4*time.Minute)))

	code, err := repo.Consume(context.Background(), "ABCDEFGHJK", now)
	require.NoError(t, err)
	assert.Equal(t, id, code.ID)
	assert.Equal(t, attemptID, code.AttemptID)
	assert.True(t, code.Used)
	require.NotNil(t, code.UsedAt)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE code = $1 AND used = false AND expires_at > $2")).
		WithArgs("ABCDEFGHJK", now).
		WillReturnRows(sqlmock.NewRows(codeCols))

	_, err = repo.Consume(context.Background(), "ABCDEFGHJK", now)
	assert.True(t, IsNotFound(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeRepo_CreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (code) DO NOTHING")).
		WillReturnRows(sqlmock.NewRows(codeCols))

	_, err = NewCodeRepo(db).Create(context.Background(), model.VerificationCode{
		Code: "ABCDEFGHJK", AttemptID: uuid.New(), UserID: uuid.New(), ExpiresAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockRepo_IsBlocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	userID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("blocked_until IS NULL OR blocked_until > $3")).
		WithArgs(userID, "10.0.0.1", now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	blocked, err := NewBlockRepo(db).IsBlocked(context.Background(), userID, "10.0.0.1", now)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockRepo_ListActiveAndDeactivate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewBlockRepo(db)
	now := time.Now().UTC()
	until := now.Add(time.Hour)
	id := uuid.New()

	cols := []string{"id", "user_id", "ip_address", "user_agent", "device_fingerprint", "reason", "blocked_by", "is_active", "created_at", "blocked_until"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM device_blocks")).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(id.String(), uuid.New().String(), "10.0.0.1", "curl", nil, "user denied login attempt", "system", true, now, until).
			AddRow(uuid.New().String(), uuid.New().String(), "10.0.0.2", "curl", nil, "manual", "admin", true, now, nil))

	blocks, err := repo.ListActive(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, id, blocks[0].ID)
	assert.False(t, blocks[0].Permanent())
	assert.True(t, blocks[1].Permanent())

	mock.ExpectExec(regexp.QuoteMeta("UPDATE device_blocks SET is_active = false")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Deactivate(context.Background(), id))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM device_blocks")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.True(t, IsNotFound(repo.Purge(context.Background(), id)))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptRepo_SetStatusOnlyFromOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewAttemptRepo(db)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status IN ('pending', 'sent')")).
		WithArgs(id, "sent", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SetStatus(context.Background(), id, model.AttemptSent, now))

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status IN ('pending', 'sent')")).
		WithArgs(id, "confirmed", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.SetStatus(context.Background(), id, model.AttemptConfirmed, now)
	assert.True(t, IsNotFound(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptRepo_MarkFinalizedOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewAttemptRepo(db)
	id := uuid.New()
	now := time.Now().UTC()

	query := regexp.QuoteMeta("WHERE id = $1 AND status = 'confirmed' AND finalized_at IS NULL")
	mock.ExpectExec(query).WithArgs(id, now).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkFinalized(context.Background(), id, now))

	mock.ExpectExec(query).WithArgs(id, now).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.True(t, IsNotFound(repo.MarkFinalized(context.Background(), id, now)))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCounterRepo_Hit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-2 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_counters")).
		WithArgs("login:10.0.0.1", now, now.Add(-10*time.Minute)).
		WillReturnRows(sqlmock.NewRows([]string{"hits", "window_started_at"}).AddRow(4, started))

	hits, resetAt, err := NewCounterRepo(db).Hit(context.Background(), "login:10.0.0.1", 10*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 4, hits)
	assert.Equal(t, started.Add(10*time.Minute), resetAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_CreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("admin", "hash", true).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err = NewUserRepo(db).Create(context.Background(), "admin", "hash", true)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactor_WithinTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tr := NewTransactor(db)
	codes := NewCodeRepo(db)
	blocks := NewBlockRepo(db)
	id := uuid.New()
	now := time.Now().UTC()

	t.Run("commit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE verification_codes")).
			WithArgs(id, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := tr.WithinTx(context.Background(), func(ctx context.Context) error {
			return codes.ConsumeByAttempt(ctx, id, now)
		})
		require.NoError(t, err)
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE device_blocks")).
			WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectRollback()

		err := tr.WithinTx(context.Background(), func(ctx context.Context) error {
			if err := blocks.Deactivate(ctx, id); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
