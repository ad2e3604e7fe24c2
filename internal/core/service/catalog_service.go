package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/grocery-booking/internal/core/domain"
	"github.com/rl1809/grocery-booking/internal/port"
)

const updateAttempts = 5

// CatalogService covers the admin CRUD surface. When the ledger keeps stock
// outside the catalog table (mirror != nil) quantities are read from and
// written to the mirror so listings show what can actually be booked.
type CatalogService struct {
	repo   port.CatalogRepository
	mirror port.StockMirror
	log    *slog.Logger
	now    func() time.Time
}

func NewCatalogService(repo port.CatalogRepository, mirror port.StockMirror, log *slog.Logger) *CatalogService {
	return &CatalogService{
		repo:   repo,
		mirror: mirror,
		log:    log,
		now:    time.Now,
	}
}

func (s *CatalogService) CreateItem(ctx context.Context, in domain.ItemInput) (domain.Item, error) {
	if err := in.Validate(); err != nil {
		return domain.Item{}, err
	}

	now := s.now().UTC()
	item := domain.Item{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Price:     in.Price,
		Quantity:  in.Quantity,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateItem(ctx, item); err != nil {
		return domain.Item{}, storeErr("create item", err)
	}

	if s.mirror != nil {
		if err := s.mirror.SetStock(ctx, item.ID, item.Quantity); err != nil {
			if delErr := s.repo.DeleteItem(ctx, item.ID); delErr != nil {
				s.log.Error("orphaned catalog item without stock", "item_id", item.ID, "error", delErr)
			}
			return domain.Item{}, storeErr("set stock", err)
		}
	}

	s.log.Info("item created", "item_id", item.ID, "quantity", item.Quantity)
	return item, nil
}

func (s *CatalogService) GetItem(ctx context.Context, itemID string) (domain.Item, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.Item{}, storeErr("get item", err)
	}
	items, err := s.overlay(ctx, []domain.Item{item})
	if err != nil {
		return domain.Item{}, err
	}
	return items[0], nil
}

func (s *CatalogService) ListItems(ctx context.Context) ([]domain.Item, error) {
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return nil, storeErr("list items", err)
	}
	return s.overlay(ctx, items)
}

// ListAvailable returns the items that can currently be booked.
func (s *CatalogService) ListAvailable(ctx context.Context) ([]domain.Item, error) {
	if s.mirror == nil {
		items, err := s.repo.ListAvailable(ctx)
		if err != nil {
			return nil, storeErr("list available items", err)
		}
		return items, nil
	}

	items, err := s.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	available := items[:0]
	for _, item := range items {
		if item.Quantity > 0 {
			available = append(available, item)
		}
	}
	return available, nil
}

// UpdateItem applies patch with an optimistic version check, re-reading and
// retrying when a concurrent write (a reservation included) got there
// first. A quantity in the patch replaces the stored value.
func (s *CatalogService) UpdateItem(ctx context.Context, itemID string, patch domain.ItemPatch) (domain.Item, error) {
	if err := patch.Validate(); err != nil {
		return domain.Item{}, err
	}
	if patch.Empty() {
		return s.GetItem(ctx, itemID)
	}

	var updated domain.Item
	for attempt := 0; ; attempt++ {
		current, err := s.repo.GetItem(ctx, itemID)
		if err != nil {
			return domain.Item{}, storeErr("get item", err)
		}

		next := patch.Apply(current)
		next.UpdatedAt = s.now().UTC()
		updated, err = s.repo.UpdateItem(ctx, next)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt+1 >= updateAttempts {
			return domain.Item{}, storeErr("update item", err)
		}
		s.log.Debug("item update raced, retrying", "item_id", itemID, "attempt", attempt+1)
	}

	if s.mirror != nil && patch.Quantity != nil {
		if err := s.mirror.SetStock(ctx, itemID, *patch.Quantity); err != nil {
			return domain.Item{}, storeErr("set stock", err)
		}
	}

	s.log.Info("item updated", "item_id", itemID, "version", updated.Version)
	items, err := s.overlay(ctx, []domain.Item{updated})
	if err != nil {
		return domain.Item{}, err
	}
	return items[0], nil
}

// DeleteItem removes the catalog entry. Orders that reference it keep the
// id as a plain value.
func (s *CatalogService) DeleteItem(ctx context.Context, itemID string) error {
	if err := s.repo.DeleteItem(ctx, itemID); err != nil {
		return storeErr("delete item", err)
	}
	if s.mirror != nil {
		if err := s.mirror.RemoveStock(ctx, itemID); err != nil {
			s.log.Error("stale stock left for deleted item", "item_id", itemID, "error", err)
			return storeErr("remove stock", err)
		}
	}
	s.log.Info("item deleted", "item_id", itemID)
	return nil
}

// SeedMirror copies catalog quantities into the mirror for items it does not
// know yet. Existing mirror values are live stock and are left alone.
func (s *CatalogService) SeedMirror(ctx context.Context) (int, error) {
	if s.mirror == nil {
		return 0, nil
	}
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return 0, storeErr("list items", err)
	}

	seeded := 0
	for _, item := range items {
		ok, err := s.mirror.SeedStock(ctx, item.ID, item.Quantity)
		if err != nil {
			return seeded, storeErr("seed stock", err)
		}
		if ok {
			seeded++
		}
	}
	return seeded, nil
}

// overlay replaces catalog quantities with mirror values. An item missing
// from the mirror cannot be reserved, so it shows as zero.
func (s *CatalogService) overlay(ctx context.Context, items []domain.Item) ([]domain.Item, error) {
	if s.mirror == nil || len(items) == 0 {
		return items, nil
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	stocks, err := s.mirror.Stocks(ctx, ids)
	if err != nil {
		return nil, storeErr("read stock", err)
	}
	for i := range items {
		items[i].Quantity = stocks[items[i].ID]
	}
	return items, nil
}
