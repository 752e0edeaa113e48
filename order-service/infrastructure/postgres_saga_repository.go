package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/draftea/order-saga/order-service/domain"
	"github.com/draftea/order-saga/shared/events"
	sharedinfra "github.com/draftea/order-saga/shared/infrastructure"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/outbox"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var _ domain.SagaRepository = (*PostgresSagaRepository)(nil)

const (
	uniqueViolation  = "23505"
	sagaPrimaryKey   = "order_sagas_pkey"
	orderIDUniqueKey = "order_sagas_order_id_key"
)

const sagaColumns = `
	correlation_id, order_id, customer_email, product_name, quantity,
	total_amount, currency, current_state, failure_reason, tracking_number,
	estimated_delivery, created_at, updated_at, version`

// PostgresSagaRepository implements SagaRepository using PostgreSQL. The saga
// row and its outbox records are written in one transaction.
type PostgresSagaRepository struct {
	db     *sqlx.DB
	outbox *sharedinfra.PostgresOutboxStore
}

// NewPostgresSagaRepository creates a new PostgresSagaRepository
func NewPostgresSagaRepository(db *sqlx.DB, outboxStore *sharedinfra.PostgresOutboxStore) *PostgresSagaRepository {
	return &PostgresSagaRepository{db: db, outbox: outboxStore}
}

// postgresSaga represents an order saga in database
type postgresSaga struct {
	CorrelationID     string     `db:"correlation_id"`
	OrderID           string     `db:"order_id"`
	CustomerEmail     string     `db:"customer_email"`
	ProductName       string     `db:"product_name"`
	Quantity          int        `db:"quantity"`
	TotalAmount       int64      `db:"total_amount"`
	Currency          string     `db:"currency"`
	CurrentState      string     `db:"current_state"`
	FailureReason     *string    `db:"failure_reason"`
	TrackingNumber    *string    `db:"tracking_number"`
	EstimatedDelivery *time.Time `db:"estimated_delivery"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	Version           int        `db:"version"`
	OldVersion        int        `db:"old_version"`
}

// Save inserts or conditionally updates the saga and stages outbound in the outbox
func (r *PostgresSagaRepository) Save(ctx context.Context, s *domain.OrderSaga, outbound []*events.Event) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.Version.IsNew() {
		err = r.insertSaga(ctx, tx, s)
	} else {
		err = r.updateSaga(ctx, tx, s)
	}
	if err != nil {
		return err
	}

	records := make([]*outbox.Record, 0, len(outbound))
	for _, event := range outbound {
		records = append(records, outbox.NewRecord(s.CorrelationID, s.Version.Value, event))
	}
	if err = r.outbox.Stage(ctx, tx, records...); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit saga")
	}
	return nil
}

// insertSaga inserts a new saga. A duplicate primary key means another writer
// created it first; a duplicate order id can never be inserted.
func (r *PostgresSagaRepository) insertSaga(ctx context.Context, tx *sqlx.Tx, s *domain.OrderSaga) error {
	query := `
		INSERT INTO order_sagas (` + sagaColumns + `
		) VALUES (
			:correlation_id, :order_id, :customer_email, :product_name, :quantity,
			:total_amount, :currency, :current_state, :failure_reason, :tracking_number,
			:estimated_delivery, :created_at, :updated_at, :version
		)`

	if _, err := tx.NamedExecContext(ctx, query, r.toPostgres(s)); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			switch pqErr.Constraint {
			case sagaPrimaryKey:
				return errors.Wrapf(saga.ErrConcurrencyConflict, "saga %s already exists", s.CorrelationID)
			case orderIDUniqueKey:
				return errors.Wrapf(domain.ErrDuplicateOrder, "order %s", s.OrderID)
			}
		}
		return errors.Wrap(err, "failed to insert saga")
	}

	return nil
}

// updateSaga updates a saga on condition that the stored version is the previous one
func (r *PostgresSagaRepository) updateSaga(ctx context.Context, tx *sqlx.Tx, s *domain.OrderSaga) error {
	query := `
		UPDATE order_sagas
		SET current_state = :current_state, failure_reason = :failure_reason,
			tracking_number = :tracking_number, estimated_delivery = :estimated_delivery,
			updated_at = :updated_at, version = :version
		WHERE correlation_id = :correlation_id AND version = :old_version`

	res, err := tx.NamedExecContext(ctx, query, r.toPostgres(s))
	if err != nil {
		return errors.Wrap(err, "failed to update saga")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrapf(saga.ErrConcurrencyConflict, "saga %s is no longer at version %d", s.CorrelationID, s.Version.Previous())
	}

	return nil
}

// FindByCorrelationID finds a saga by correlation ID
func (r *PostgresSagaRepository) FindByCorrelationID(ctx context.Context, correlationID models.ID) (*domain.OrderSaga, error) {
	return r.findOne(ctx, `SELECT `+sagaColumns+` FROM order_sagas WHERE correlation_id = $1`, correlationID)
}

// FindByOrderID finds a saga by order ID
func (r *PostgresSagaRepository) FindByOrderID(ctx context.Context, orderID models.ID) (*domain.OrderSaga, error) {
	return r.findOne(ctx, `SELECT `+sagaColumns+` FROM order_sagas WHERE order_id = $1`, orderID)
}

func (r *PostgresSagaRepository) findOne(ctx context.Context, query string, id models.ID) (*domain.OrderSaga, error) {
	var row postgresSaga
	err := r.db.GetContext(ctx, &row, query, id.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find saga")
	}

	return r.toDomain(&row)
}

// ListRecent returns the most recently created sagas
func (r *PostgresSagaRepository) ListRecent(ctx context.Context, limit int) ([]*domain.OrderSaga, error) {
	query := `SELECT ` + sagaColumns + ` FROM order_sagas ORDER BY created_at DESC LIMIT $1`

	var rows []postgresSaga
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, errors.Wrap(err, "failed to list sagas")
	}

	sagas := make([]*domain.OrderSaga, len(rows))
	for i := range rows {
		s, err := r.toDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		sagas[i] = s
	}

	return sagas, nil
}

// Ping checks the database connection
func (r *PostgresSagaRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// toPostgres converts domain saga to postgres model
func (r *PostgresSagaRepository) toPostgres(s *domain.OrderSaga) *postgresSaga {
	return &postgresSaga{
		CorrelationID:     s.CorrelationID.String(),
		OrderID:           s.OrderID.String(),
		CustomerEmail:     s.CustomerEmail,
		ProductName:       s.ProductName,
		Quantity:          s.Quantity,
		TotalAmount:       s.TotalAmount.Amount,
		Currency:          s.TotalAmount.Currency,
		CurrentState:      string(s.CurrentState),
		FailureReason:     s.FailureReason,
		TrackingNumber:    s.TrackingNumber,
		EstimatedDelivery: s.EstimatedDelivery,
		CreatedAt:         s.Timestamps.CreatedAt,
		UpdatedAt:         s.Timestamps.UpdatedAt,
		Version:           s.Version.Value,
		OldVersion:        s.Version.Previous(),
	}
}

// toDomain converts postgres model to domain saga
func (r *PostgresSagaRepository) toDomain(row *postgresSaga) (*domain.OrderSaga, error) {
	correlationID, err := models.NewID(row.CorrelationID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid correlation ID")
	}

	orderID, err := models.NewID(row.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid order ID")
	}

	state, err := domain.ParseSagaState(row.CurrentState)
	if err != nil {
		return nil, err
	}

	return &domain.OrderSaga{
		CorrelationID:     correlationID,
		OrderID:           orderID,
		CustomerEmail:     row.CustomerEmail,
		ProductName:       row.ProductName,
		Quantity:          row.Quantity,
		TotalAmount:       models.NewMoney(row.TotalAmount, row.Currency),
		CurrentState:      state,
		FailureReason:     row.FailureReason,
		TrackingNumber:    row.TrackingNumber,
		EstimatedDelivery: row.EstimatedDelivery,
		Timestamps: models.Timestamps{
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
		Version: models.Version{Value: row.Version},
	}, nil
}
