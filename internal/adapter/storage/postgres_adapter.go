package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/seckill/internal/core/domain"
)

// PostgresAdapter is the PostgreSQL flavour of MySQLAdapter, selected with
// DB_DRIVER=postgres.
type PostgresAdapter struct {
	pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

type txKey struct{}

func (p *PostgresAdapter) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func (p *PostgresAdapter) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return p.pool.Exec(ctx, sql, args...)
}

func (p *PostgresAdapter) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p *PostgresAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	return p.withTx(ctx, func(ctx context.Context) error {
		tag, err := p.exec(ctx, `
UPDATE seckill_products
SET stock = stock - $1, updated_at = NOW()
WHERE id = $2 AND stock >= $1`,
			order.Quantity, order.ProductID,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return domain.ErrPersistenceConflict
		}

		_, err = p.exec(ctx, `
INSERT INTO seckill_orders (id, identity, product_id, product_name, sell_price, quantity, total_amount, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			order.ID, order.Identity, order.ProductID, order.ProductName, order.SellPrice,
			order.Quantity, order.TotalAmount, int(order.Status), order.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

func (p *PostgresAdapter) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := scanOrder(p.queryRow(ctx, `SELECT `+orderColumns+` FROM seckill_orders WHERE id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

func (p *PostgresAdapter) CancelOrder(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	var cancelled bool
	err := p.withTx(ctx, func(ctx context.Context) error {
		var productID int64
		var quantity int
		err := p.queryRow(ctx, `
UPDATE seckill_orders
SET status = $1, cancelled_at = $2
WHERE id = $3 AND status = $4
RETURNING product_id, quantity`,
			int(domain.OrderStatusCancelled), at, orderID, int(domain.OrderStatusAwaitingPayment),
		).Scan(&productID, &quantity)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}

		if _, err := p.exec(ctx, `
UPDATE seckill_products SET stock = stock + $1, updated_at = NOW() WHERE id = $2`,
			quantity, productID,
		); err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

func (p *PostgresAdapter) MarkPaid(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	tag, err := p.exec(ctx, `
UPDATE seckill_orders
SET status = $1, paid_at = $2
WHERE id = $3 AND status = $4`,
		int(domain.OrderStatusPaid), at, orderID, int(domain.OrderStatusAwaitingPayment),
	)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresAdapter) ListOrders(ctx context.Context, identity string) ([]domain.Order, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+orderColumns+`
FROM seckill_orders
WHERE identity = $1
ORDER BY created_at DESC, id DESC`, identity)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (p *PostgresAdapter) ListSchedulable(ctx context.Context, startsBefore, endsAfter time.Time) ([]domain.Product, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+productColumns+`
FROM seckill_products
WHERE status IN ($1, $2) AND start_time <= $3 AND end_time > $4
ORDER BY start_time, id`,
		int(domain.ProductStatusPending), int(domain.ProductStatusActive), startsBefore, endsAfter,
	)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		pr, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *pr)
	}
	return products, rows.Err()
}

func (p *PostgresAdapter) UpdateStatus(ctx context.Context, productID int64, status domain.ProductStatus) error {
	if _, err := p.exec(ctx, `UPDATE seckill_products SET status = $1, updated_at = NOW() WHERE id = $2`, int(status), productID); err != nil {
		return fmt.Errorf("update product status: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) CreateProduct(ctx context.Context, pr domain.Product) (int64, error) {
	var id int64
	err := p.queryRow(ctx, `
INSERT INTO seckill_products (name, base_price, sell_price, stock, total_stock, start_time, end_time, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		pr.Name, pr.BasePrice, pr.SellPrice, pr.Stock, pr.TotalStock, pr.StartTime, pr.EndTime, int(pr.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return id, nil
}
