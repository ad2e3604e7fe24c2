package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Orders reference items by id only. There is no foreign key, so deleting
// an item leaves historical orders untouched. A stock_holds row exists for
// every decrement that has not been released.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id         VARCHAR(64)    NOT NULL PRIMARY KEY,
		name       VARCHAR(255)   NOT NULL,
		price      DECIMAL(12, 2) NOT NULL,
		quantity   INT            NOT NULL,
		version    INT            NOT NULL DEFAULT 1,
		created_at DATETIME(6)    NOT NULL,
		updated_at DATETIME(6)    NOT NULL,
		CONSTRAINT items_quantity_non_negative CHECK (quantity >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id         CHAR(36)     NOT NULL PRIMARY KEY,
		user_id    VARCHAR(128) NOT NULL,
		created_at DATETIME(6)  NOT NULL,
		INDEX idx_orders_user_created (user_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS order_lines (
		order_id CHAR(36)    NOT NULL,
		line_no  INT         NOT NULL,
		item_id  VARCHAR(64) NOT NULL,
		quantity INT         NOT NULL,
		PRIMARY KEY (order_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_holds (
		hold_id    CHAR(36)    NOT NULL,
		item_id    VARCHAR(64) NOT NULL,
		quantity   INT         NOT NULL,
		created_at DATETIME(6) NOT NULL,
		PRIMARY KEY (hold_id, item_id)
	)`,
}

// Migrate creates the tables the MySQL adapter needs.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
