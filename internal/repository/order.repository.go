package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/market-maker-service/internal/entity"
)

// OrderRepository persists the order ledger. Each row is one grid level owned
// by a worker; rows for submitted orders carry the exchange order id, virtual
// rows do not. A partial unique index on (order_id) keeps two ledger entries
// from claiming the same live order.
type OrderRepository struct {
	db *sqlx.DB
}

func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *entity.GridOrder) error {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(order.TableName()).
		Columns(
			"id",
			"worker_id",
			"order_id",
			"side",
			"price",
			"amount",
			"virtual",
			"custom",
			"created_at",
			"updated_at",
		).
		Values(
			order.ID,
			order.WorkerID,
			order.OrderID,
			order.Side,
			order.Price,
			order.Amount,
			order.Virtual,
			order.Custom,
			order.CreatedAt,
			order.UpdatedAt,
		)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *OrderRepository) Update(ctx context.Context, order *entity.GridOrder) error {
	order.UpdatedAt = time.Now().UTC()

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update(order.TableName()).
		Set("order_id", order.OrderID).
		Set("price", order.Price).
		Set("amount", order.Amount).
		Set("virtual", order.Virtual).
		Set("custom", order.Custom).
		Set("updated_at", order.UpdatedAt).
		Where(sq.Eq{"id": order.ID})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Delete("orders").
		Where(sq.Eq{"id": id})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *OrderRepository) DeleteByExchangeOrderID(ctx context.Context, workerID string, exchangeOrderID string) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Delete("orders").
		Where(sq.Eq{"worker_id": workerID, "order_id": null.StringFrom(exchangeOrderID)})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *OrderRepository) ListByWorker(ctx context.Context, workerID string) ([]entity.GridOrder, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("orders").
		Where(sq.Eq{"worker_id": workerID}).
		OrderBy("created_at asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var orders []entity.GridOrder
	err = r.db.SelectContext(ctx, &orders, query, args...)
	if err != nil {
		return nil, err
	}

	return orders, nil
}
