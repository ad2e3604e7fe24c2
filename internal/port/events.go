package port

import (
	"context"

	"github.com/rl1809/grocery-booking/internal/core/domain"
)

type EventPublisher interface {
	OrderCreated(ctx context.Context, order domain.Order)
	InventoryAlarm(ctx context.Context, alarm domain.InventoryAlarm)
}
