package port

import (
	"context"

	"github.com/rl1809/grocery-booking/internal/core/domain"
)

type CatalogRepository interface {
	CreateItem(ctx context.Context, item domain.Item) error

	// GetItem returns domain.NotFound when the id is unknown.
	GetItem(ctx context.Context, itemID string) (domain.Item, error)

	ListItems(ctx context.Context) ([]domain.Item, error)

	// ListAvailable returns items whose stored quantity is above zero.
	ListAvailable(ctx context.Context) ([]domain.Item, error)

	// UpdateItem writes item if the stored version still equals
	// item.Version, returning domain.ErrVersionConflict otherwise.
	UpdateItem(ctx context.Context, item domain.Item) (domain.Item, error)

	DeleteItem(ctx context.Context, itemID string) error
}
