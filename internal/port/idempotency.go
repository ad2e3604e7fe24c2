package port

import "context"

type IdempotencyGuard interface {
	// Claim records key, returning false if it was already claimed.
	Claim(ctx context.Context, key string) (bool, error)

	// Forget drops a claim so the same key can be used again.
	Forget(ctx context.Context, key string) error
}
