package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/seckill/internal/core/domain"
)

const orderColumns = `id, identity, product_id, product_name, sell_price, quantity, total_amount, status, created_at, paid_at, cancelled_at`

const productColumns = `id, name, base_price, sell_price, stock, total_stock, start_time, end_time, status, created_at, updated_at`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// CreateOrder takes one unit of persisted stock and records the order in the
// same transaction. domain.ErrPersistenceConflict means no stock was left.
func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE seckill_products
		SET stock = stock - ?
		WHERE id = ? AND stock >= ?`,
		order.Quantity, order.ProductID, order.Quantity,
	)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if rows != 1 {
		return domain.ErrPersistenceConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO seckill_orders (id, identity, product_id, product_name, sell_price, quantity, total_amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.Identity, order.ProductID, order.ProductName, order.SellPrice,
		order.Quantity, order.TotalAmount, int(order.Status), order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	return tx.Commit()
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM seckill_orders WHERE id = ?`, orderID)

	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return order, nil
}

// CancelOrder returns false when the order had already left AwaitingPayment.
func (m *MySQLAdapter) CancelOrder(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE seckill_orders
		SET status = ?, cancelled_at = ?
		WHERE id = ? AND status = ?`,
		int(domain.OrderStatusCancelled), at, orderID, int(domain.OrderStatusAwaitingPayment),
	)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	var productID int64
	var quantity int
	err = tx.QueryRowContext(ctx, `SELECT product_id, quantity FROM seckill_orders WHERE id = ?`, orderID).
		Scan(&productID, &quantity)
	if err != nil {
		return false, fmt.Errorf("load cancelled order: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE seckill_products SET stock = stock + ? WHERE id = ?`,
		quantity, productID,
	); err != nil {
		return false, fmt.Errorf("restore stock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cancel: %w", err)
	}
	return true, nil
}

func (m *MySQLAdapter) MarkPaid(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE seckill_orders
		SET status = ?, paid_at = ?
		WHERE id = ? AND status = ?`,
		int(domain.OrderStatusPaid), at, orderID, int(domain.OrderStatusAwaitingPayment),
	)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	return rows == 1, nil
}

func (m *MySQLAdapter) ListOrders(ctx context.Context, identity string) ([]domain.Order, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM seckill_orders
		WHERE identity = ?
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

func (m *MySQLAdapter) ListSchedulable(ctx context.Context, startsBefore, endsAfter time.Time) ([]domain.Product, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM seckill_products
		WHERE status IN (?, ?) AND start_time <= ? AND end_time > ?
		ORDER BY start_time, id`,
		int(domain.ProductStatusPending), int(domain.ProductStatusActive), startsBefore, endsAfter,
	)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (m *MySQLAdapter) UpdateStatus(ctx context.Context, productID int64, status domain.ProductStatus) error {
	_, err := m.db.ExecContext(ctx, `UPDATE seckill_products SET status = ? WHERE id = ?`, int(status), productID)
	if err != nil {
		return fmt.Errorf("update product status: %w", err)
	}
	return nil
}

// CreateProduct inserts a product and returns its id.
func (m *MySQLAdapter) CreateProduct(ctx context.Context, p domain.Product) (int64, error) {
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO seckill_products (name, base_price, sell_price, stock, total_stock, start_time, end_time, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.BasePrice, p.SellPrice, p.Stock, p.TotalStock, p.StartTime, p.EndTime, int(p.Status),
	)
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return result.LastInsertId()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o           domain.Order
		status      int
		paidAt      sql.NullTime
		cancelledAt sql.NullTime
	)
	err := row.Scan(&o.ID, &o.Identity, &o.ProductID, &o.ProductName, &o.SellPrice,
		&o.Quantity, &o.TotalAmount, &status, &o.CreatedAt, &paidAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	return &o, nil
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var (
		p      domain.Product
		status int
	)
	err := row.Scan(&p.ID, &p.Name, &p.BasePrice, &p.SellPrice, &p.Stock, &p.TotalStock,
		&p.StartTime, &p.EndTime, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = domain.ProductStatus(status)
	return &p, nil
}
