package infrastructure

import (
	"context"
	"sort"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/outbox"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var _ outbox.Store = (*PostgresOutboxStore)(nil)

// PostgresOutboxStore keeps outbox records in the saga_outbox table. Records are
// staged inside the caller's transaction, so the relay never sees a record whose
// saga write rolled back.
type PostgresOutboxStore struct {
	db *sqlx.DB
}

// NewPostgresOutboxStore creates a new PostgresOutboxStore
func NewPostgresOutboxStore(db *sqlx.DB) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db}
}

// postgresOutboxRecord represents an outbox record in database
type postgresOutboxRecord struct {
	ID            string    `db:"id"`
	CorrelationID string    `db:"correlation_id"`
	SagaVersion   int       `db:"saga_version"`
	Topic         string    `db:"topic"`
	Payload       []byte    `db:"payload"`
	CreatedAt     time.Time `db:"created_at"`
	Attempts      int       `db:"attempts"`
	LastError     *string   `db:"last_error"`
}

// Stage inserts records within tx
func (s *PostgresOutboxStore) Stage(ctx context.Context, tx *sqlx.Tx, records ...*outbox.Record) error {
	query := `
		INSERT INTO saga_outbox (
			id, correlation_id, saga_version, topic, payload, created_at
		) VALUES (
			:id, :correlation_id, :saga_version, :topic, :payload, :created_at
		)`

	for _, record := range records {
		row, err := s.toPostgres(record)
		if err != nil {
			return err
		}

		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return errors.Wrap(err, "failed to stage outbox record")
		}
	}

	return nil
}

// Claim leases up to limit unclaimed or expired records to owner
func (s *PostgresOutboxStore) Claim(ctx context.Context, owner string, limit int, lease time.Duration) ([]*outbox.Record, error) {
	query := `
		UPDATE saga_outbox
		SET claimed_by = $1, claimed_until = now() + ($2 * interval '1 millisecond')
		WHERE id IN (
			SELECT id FROM saga_outbox
			WHERE claimed_until IS NULL OR claimed_until < now()
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, correlation_id, saga_version, topic, payload, created_at, attempts, last_error`

	var rows []postgresOutboxRecord
	if err := s.db.SelectContext(ctx, &rows, query, owner, lease.Milliseconds(), limit); err != nil {
		return nil, errors.Wrap(err, "failed to claim outbox records")
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	records := make([]*outbox.Record, 0, len(rows))
	for i := range rows {
		record, err := s.toDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, nil
}

// Delete removes a published record while owner still holds the lease
func (s *PostgresOutboxStore) Delete(ctx context.Context, owner string, id models.ID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM saga_outbox WHERE id = $1 AND claimed_by = $2`,
		id.String(), owner)
	if err != nil {
		return errors.Wrap(err, "failed to delete outbox record")
	}

	return expectOneRow(res)
}

// Release returns a record to the pool after a failed publish
func (s *PostgresOutboxStore) Release(ctx context.Context, owner string, id models.ID, cause error) error {
	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_outbox
		SET claimed_by = NULL, claimed_until = NULL, attempts = attempts + 1, last_error = $3
		WHERE id = $1 AND claimed_by = $2`,
		id.String(), owner, lastError)
	if err != nil {
		return errors.Wrap(err, "failed to release outbox record")
	}

	return expectOneRow(res)
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func expectOneRow(res rowsAffecter) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return outbox.ErrLeaseLost
	}
	return nil
}

// toPostgres converts an outbox record to its row
func (s *PostgresOutboxStore) toPostgres(record *outbox.Record) (*postgresOutboxRecord, error) {
	payload, err := record.Event.ToJSON()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal outbox event")
	}

	return &postgresOutboxRecord{
		ID:            record.ID.String(),
		CorrelationID: record.CorrelationID.String(),
		SagaVersion:   record.SagaVersion,
		Topic:         record.Topic.String(),
		Payload:       payload,
		CreatedAt:     record.CreatedAt,
		Attempts:      record.Attempts,
		LastError:     record.LastError,
	}, nil
}

// toDomain converts a row back to an outbox record
func (s *PostgresOutboxStore) toDomain(row *postgresOutboxRecord) (*outbox.Record, error) {
	event, err := events.FromJSON(row.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal outbox event")
	}

	return &outbox.Record{
		ID:            models.ID(row.ID),
		CorrelationID: models.ID(row.CorrelationID),
		SagaVersion:   row.SagaVersion,
		Topic:         events.Topic(row.Topic),
		Event:         event,
		CreatedAt:     row.CreatedAt,
		Attempts:      row.Attempts,
		LastError:     row.LastError,
	}, nil
}
