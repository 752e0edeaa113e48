package infrastructure

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/outbox"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outboxColumns = []string{"id", "correlation_id", "saga_version", "topic", "payload", "created_at", "attempts", "last_error"}

func newOutboxStore(t *testing.T) (*PostgresOutboxStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewPostgresOutboxStore(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresOutboxStore_Stage(t *testing.T) {
	store, mock := newOutboxStore(t)
	id := models.GenerateUUID()
	record := outbox.NewRecord(id, 2, events.NewEvent(id, events.ProcessPaymentTopic, events.ProcessPaymentData{OrderID: id}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO saga_outbox")).
		WithArgs(record.ID.String(), id.String(), 2, "payment.process.requested", sqlmock.AnyArg(), record.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Stage(context.Background(), tx, record))
	require.NoError(t, tx.Commit())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutboxStore_Claim(t *testing.T) {
	store, mock := newOutboxStore(t)
	id := models.GenerateUUID()
	older := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := events.NewEvent(id, events.ReserveStockTopic, events.ReserveStockData{OrderID: id, ProductName: "Laptop"}).WithCorrelationID(id)
	second := events.NewEvent(id, events.OrderCompletedTopic, events.OrderCompletedData{OrderID: id}).WithCorrelationID(id)
	firstJSON, err := first.ToJSON()
	require.NoError(t, err)
	secondJSON, err := second.ToJSON()
	require.NoError(t, err)

	lastError := "throttled"
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE saga_outbox")).
		WithArgs("relay-1", int64(30000), 10).
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow(second.ID.String(), id.String(), 3, second.Topic.String(), secondJSON, older.Add(time.Second), 0, nil).
			AddRow(first.ID.String(), id.String(), 1, first.Topic.String(), firstJSON, older, 2, lastError))

	records, err := store.Claim(context.Background(), "relay-1", 10, 30*time.Second)

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, 2, records[0].Attempts)
	assert.Equal(t, &lastError, records[0].LastError)
	assert.Equal(t, events.ReserveStockTopic, records[0].Event.Topic)
	assert.Equal(t, second.ID, records[1].ID)

	var data events.ReserveStockData
	require.NoError(t, records[0].Event.UnmarshalPayload(&data))
	assert.Equal(t, "Laptop", data.ProductName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutboxStore_DeleteAndRelease(t *testing.T) {
	id := models.GenerateUUID()

	tests := []struct {
		name        string
		affected    int64
		run         func(*PostgresOutboxStore) error
		query       string
		args        []driver.Value
		expectedErr error
	}{
		{
			name:     "delete while holding lease",
			affected: 1,
			run: func(s *PostgresOutboxStore) error {
				return s.Delete(context.Background(), "relay-1", id)
			},
			query: "DELETE FROM saga_outbox",
			args:  []driver.Value{id.String(), "relay-1"},
		},
		{
			name:     "delete after lease moved on",
			affected: 0,
			run: func(s *PostgresOutboxStore) error {
				return s.Delete(context.Background(), "relay-1", id)
			},
			query:       "DELETE FROM saga_outbox",
			args:        []driver.Value{id.String(), "relay-1"},
			expectedErr: outbox.ErrLeaseLost,
		},
		{
			name:     "release records the failure",
			affected: 1,
			run: func(s *PostgresOutboxStore) error {
				return s.Release(context.Background(), "relay-1", id, errors.New("sns throttled"))
			},
			query: "UPDATE saga_outbox",
			args:  []driver.Value{id.String(), "relay-1", "sns throttled"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newOutboxStore(t)

			mock.ExpectExec(regexp.QuoteMeta(tt.query)).
				WithArgs(tt.args...).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := tt.run(store)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
