package port

import "context"

type StockLedger interface {
	// TryReserve atomically checks that itemID has at least quantity
	// available and decrements it in the same step. It returns
	// domain.NotFound or domain.InsufficientStock on a definitive refusal.
	// The decrement is recorded under holdID, so repeating a call whose
	// outcome was lost does not take the stock a second time.
	TryReserve(ctx context.Context, holdID, itemID string, quantity int) error

	// Release gives back the quantity held under holdID. Releasing a hold
	// that is not recorded (never taken, or already released) is a no-op.
	Release(ctx context.Context, holdID, itemID string, quantity int) error
}

// StockMirror is implemented by ledgers that keep availability outside the
// catalog table, so catalog writes and reads have to go through them.
type StockMirror interface {
	SetStock(ctx context.Context, itemID string, quantity int) error
	SeedStock(ctx context.Context, itemID string, quantity int) (bool, error)
	RemoveStock(ctx context.Context, itemID string) error
	Stocks(ctx context.Context, itemIDs []string) (map[string]int, error)
}
