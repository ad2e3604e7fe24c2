package port

import (
	"context"

	"github.com/rl1809/grocery-booking/internal/core/domain"
)

type OrderRepository interface {
	// CreateOrder persists an order and its lines, filling in the id and
	// creation time when absent. Creating an id that already exists returns
	// the stored record unchanged.
	CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error)

	// GetOrder returns domain.ErrOrderNotFound when the id is unknown.
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)

	ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error)
}
