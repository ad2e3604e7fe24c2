package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/grocery-booking/internal/core/domain"
)

const errDuplicateEntry = 1062

// MySQLAdapter is the store of record: catalog, order records, and by
// default the stock ledger. Reservation is a single conditional UPDATE, so
// the availability check and the decrement cannot be split by another
// writer.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// TryReserve records the hold and applies the conditional decrement in one
// transaction. A hold that is already recorded means an earlier attempt
// committed, so the call succeeds without touching the stock again.
func (m *MySQLAdapter) TryReserve(ctx context.Context, holdID, itemID string, quantity int) error {
	if quantity <= 0 {
		return &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reserve stock: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_holds (hold_id, item_id, quantity, created_at)
		VALUES (?, ?, ?, ?)`,
		holdID, itemID, quantity, now,
	)
	if isDuplicateEntry(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reserve stock: record hold: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE items
		SET quantity = quantity - ?, version = version + 1, updated_at = ?
		WHERE id = ? AND quantity >= ?`,
		quantity, now, itemID, quantity,
	)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}
	if rows == 1 {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("reserve stock: commit: %w", err)
		}
		return nil
	}

	_ = tx.Rollback()
	exists, err := m.itemExists(ctx, itemID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.NotFound(itemID)
	}
	return domain.InsufficientStock(itemID)
}

// Release deletes the hold and restores its stock in one transaction.
func (m *MySQLAdapter) Release(ctx context.Context, holdID, itemID string, quantity int) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("release stock: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM stock_holds WHERE hold_id = ? AND item_id = ?`, holdID, itemID)
	if err != nil {
		return fmt.Errorf("release stock: drop hold: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if rows == 0 {
		return nil
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE items
		SET quantity = quantity + ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		quantity, time.Now().UTC(), itemID,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if rows == 0 {
		return domain.NotFound(itemID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("release stock: commit: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) itemExists(ctx context.Context, itemID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, `SELECT 1 FROM items WHERE id = ?`, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query item: %w", err)
	}
	return true, nil
}

func (m *MySQLAdapter) CreateItem(ctx context.Context, item domain.Item) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO items (id, name, price, quantity, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Name, item.Price, item.Quantity, item.Version, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

const itemColumns = `id, name, price, quantity, version, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (domain.Item, error) {
	var item domain.Item
	err := row.Scan(&item.ID, &item.Name, &item.Price, &item.Quantity, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (m *MySQLAdapter) GetItem(ctx context.Context, itemID string) (domain.Item, error) {
	item, err := scanItem(m.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, domain.NotFound(itemID)
	}
	if err != nil {
		return domain.Item{}, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

func (m *MySQLAdapter) ListItems(ctx context.Context) ([]domain.Item, error) {
	return m.queryItems(ctx, `SELECT `+itemColumns+` FROM items ORDER BY created_at, id`)
}

func (m *MySQLAdapter) ListAvailable(ctx context.Context) ([]domain.Item, error) {
	return m.queryItems(ctx, `SELECT `+itemColumns+` FROM items WHERE quantity > 0 ORDER BY created_at, id`)
}

func (m *MySQLAdapter) queryItems(ctx context.Context, query string) ([]domain.Item, error) {
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// UpdateItem writes every mutable column if the stored version still
// matches, so a reservation that landed after the caller's read is never
// overwritten.
func (m *MySQLAdapter) UpdateItem(ctx context.Context, item domain.Item) (domain.Item, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE items
		SET name = ?, price = ?, quantity = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		item.Name, item.Price, item.Quantity, item.UpdatedAt, item.ID, item.Version,
	)
	if err != nil {
		return domain.Item{}, fmt.Errorf("update item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return domain.Item{}, fmt.Errorf("update item: %w", err)
	}
	if rows == 0 {
		exists, err := m.itemExists(ctx, item.ID)
		if err != nil {
			return domain.Item{}, err
		}
		if !exists {
			return domain.Item{}, domain.NotFound(item.ID)
		}
		return domain.Item{}, domain.ErrVersionConflict
	}

	item.Version++
	return item, nil
}

func (m *MySQLAdapter) DeleteItem(ctx context.Context, itemID string) error {
	result, err := m.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if rows == 0 {
		return domain.NotFound(itemID)
	}
	return nil
}

func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, created_at)
		VALUES (?, ?, ?)`,
		order.ID, order.UserID, order.CreatedAt,
	)
	if isDuplicateEntry(err) {
		// A retried insert whose first attempt already committed.
		_ = tx.Rollback()
		return m.GetOrder(ctx, order.ID)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}

	if len(order.Lines) > 0 {
		placeholders := make([]string, len(order.Lines))
		args := make([]any, 0, len(order.Lines)*4)
		for i, line := range order.Lines {
			placeholders[i] = "(?, ?, ?, ?)"
			args = append(args, order.ID, i, line.ItemID, line.Quantity)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, line_no, item_id, quantity)
			VALUES `+strings.Join(placeholders, ", "),
			args...,
		)
		if err != nil {
			return domain.Order{}, fmt.Errorf("insert order lines: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("commit order: %w", err)
	}
	return order, nil
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at
		FROM orders WHERE id = ?`, orderID,
	).Scan(&order.ID, &order.UserID, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order: %w", err)
	}

	lines, err := m.orderLines(ctx, []string{orderID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Lines = lines[orderID]
	return order, nil
}

func (m *MySQLAdapter) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, created_at
		FROM orders WHERE user_id = ?
		ORDER BY created_at DESC, id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	ids := make([]string, 0)
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	lines, err := m.orderLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
	}
	return orders, nil
}

func (m *MySQLAdapter) orderLines(ctx context.Context, orderIDs []string) (map[string][]domain.OrderLine, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(orderIDs)), ", ")
	args := make([]any, len(orderIDs))
	for i, id := range orderIDs {
		args[i] = id
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT order_id, item_id, quantity
		FROM order_lines WHERE order_id IN (`+placeholders+`)
		ORDER BY order_id, line_no`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query order lines: %w", err)
	}
	defer rows.Close()

	lines := make(map[string][]domain.OrderLine, len(orderIDs))
	for rows.Next() {
		var orderID string
		var line domain.OrderLine
		if err := rows.Scan(&orderID, &line.ItemID, &line.Quantity); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines[orderID] = append(lines[orderID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order lines: %w", err)
	}
	return lines, nil
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDuplicateEntry
}
