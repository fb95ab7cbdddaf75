package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
)

// sqlmock tests match on partial regexps; gorm appends ORDER BY and LIMIT clauses
// that make exact matching brittle.

const (
	testTenantID = "bot_tenant_test"
	testChatID   = "628111111111@s.whatsapp.net"
)

func contextWithTestTenant() context.Context {
	return tenant.WithTenantID(context.Background(), testTenantID)
}

// newMockRepo returns a repo over sqlmock speaking the postgres dialect.
func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	logger.Log = zaptest.NewLogger(t).Named("test")
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return &Repo{db: gormDB}, mock
}

func TestIsTransientError(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "Nil error", err: nil, expected: false},
		{name: "Context deadline exceeded", err: context.DeadlineExceeded, expected: true},
		{name: "Wrapped Context deadline exceeded", err: fmt.Errorf("operation failed: %w", context.DeadlineExceeded), expected: true},
		{name: "GORM Record Not Found", err: gorm.ErrRecordNotFound, expected: false},
		{name: "GORM Invalid Transaction", err: gorm.ErrInvalidTransaction, expected: false},
		{name: "PG Error - Connection Exception (08000)", err: &pgconn.PgError{Code: "08000"}, expected: true},
		{name: "PG Error - Insufficient Resources (53100)", err: &pgconn.PgError{Code: "53100"}, expected: true},
		{name: "PG Error - Deadlock Detected (40P01)", err: &pgconn.PgError{Code: "40P01"}, expected: true},
		{name: "PG Error - Serialization Failure (40001)", err: &pgconn.PgError{Code: "40001"}, expected: true},
		{name: "PG Error - Syntax Error (42601)", err: &pgconn.PgError{Code: "42601"}, expected: false},
		{name: "Network Error - Connection Refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), expected: true},
		{name: "Network Error - I/O Timeout", err: errors.New("read tcp 10.0.0.1:1234->10.0.0.2:5432: i/o timeout"), expected: true},
		{name: "Network Error - DB Starting Up", err: errors.New("pq: the database system is starting up"), expected: true},
		{name: "SQLite busy", err: errors.New("database is locked"), expected: true},
		{name: "Generic Non-Transient Error", err: errors.New("some other database error"), expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, isTransientError(tc.err))
		})
	}
}

func TestCheckConstraintViolation(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "record not found", err: gorm.ErrRecordNotFound, expected: apperrors.ErrNotFound},
		{name: "gorm duplicated key", err: gorm.ErrDuplicatedKey, expected: apperrors.ErrDuplicate},
		{name: "gorm foreign key", err: gorm.ErrForeignKeyViolated, expected: apperrors.ErrBadRequest},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505", ConstraintName: "idx_clients_bot_chat"}, expected: apperrors.ErrDuplicate},
		{name: "not null violation", err: &pgconn.PgError{Code: "23502", ColumnName: "chat_id"}, expected: apperrors.ErrBadRequest},
		{name: "value too long", err: &pgconn.PgError{Code: "22001"}, expected: apperrors.ErrBadRequest},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, expected: apperrors.ErrDatabase},
		{name: "connection class", err: &pgconn.PgError{Code: "08006"}, expected: apperrors.ErrDatabase},
		{name: "unhandled pg code", err: &pgconn.PgError{Code: "42P01"}, expected: apperrors.ErrDatabase},
		{name: "plain error", err: errors.New("boom"), expected: apperrors.ErrDatabase},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkConstraintViolation(tc.err)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.expected)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	assert.NoError(t, checkConstraintViolation(nil))
}

func TestRetryableOperation(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("retries transient errors", func(t *testing.T) {
		calls := 0
		err := retryableOperation(ctx, newRetryPolicy(ctx, time.Second), "test", func() error {
			calls++
			if calls < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		calls := 0
		err := retryableOperation(ctx, newRetryPolicy(ctx, time.Second), "test", func() error {
			calls++
			return checkConstraintViolation(gorm.ErrRecordNotFound)
		})
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on non-transient errors", func(t *testing.T) {
		calls := 0
		err := retryableOperation(ctx, newRetryPolicy(ctx, time.Second), "test", func() error {
			calls++
			return errors.New("syntax error")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestTenantScopedMethodsRequireTenant(t *testing.T) {
	repo, _ := newMockRepo(t)
	ctx := context.Background()

	_, err := repo.GetConfig(ctx)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	err = repo.AddMessage(ctx, &model.Message{ChatID: testChatID})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = repo.GetSilence(ctx, testChatID)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = repo.GetDueReminders(ctx, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestPostgresRepo_GetBot_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT \* FROM "bots" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	bot, err := repo.GetBot(contextWithTestTenant())
	assert.Nil(t, bot)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPostgresRepo_UpdateBotStatus(t *testing.T) {
	t.Run("updates identity columns", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(`UPDATE "bots" SET .*"self_jid"=.* WHERE id = \$\d+`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.UpdateBotStatus(contextWithTestTenant(), model.StatusConnected, &model.Identity{
			Name: "Neo", Number: "628000", JID: "628000@s.whatsapp.net",
		})
		assert.NoError(t, err)
	})

	t.Run("unknown bot", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(`UPDATE "bots" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateBotStatus(contextWithTestTenant(), model.StatusDisconnected, nil)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestPostgresRepo_AddMessage_UniqueViolation(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`INSERT INTO "messages"`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "messages_pkey"})

	msg := model.NewMessage(&model.Message{BotID: testTenantID, ChatID: testChatID})
	err := repo.AddMessage(contextWithTestTenant(), msg)
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)
}

func TestPostgresRepo_AddMessage_TenantMismatch(t *testing.T) {
	repo, _ := newMockRepo(t)

	msg := model.NewMessage(&model.Message{BotID: "bot_other", ChatID: testChatID})
	err := repo.AddMessage(contextWithTestTenant(), msg)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestPostgresRepo_UpdateMessageStatus_SentIsNoop(t *testing.T) {
	repo, _ := newMockRepo(t)

	changed, err := repo.UpdateMessageStatus(contextWithTestTenant(), "wamid-1", model.DeliverySent)
	assert.NoError(t, err)
	assert.False(t, changed)
}

func TestPostgresRepo_ListActiveTenants(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT "id" FROM "bots" WHERE is_active = \$1 ORDER BY created_at ASC`).
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("bot_a").AddRow("bot_b"))

	ids, err := repo.ListActiveTenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bot_a", "bot_b"}, ids)
}
