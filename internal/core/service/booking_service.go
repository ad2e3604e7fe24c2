package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/grocery-booking/internal/core/domain"
	"github.com/rl1809/grocery-booking/internal/metrics"
	"github.com/rl1809/grocery-booking/internal/port"
)

const defaultLedgerTimeout = 2 * time.Second

type BookRequest struct {
	UserID         string
	Lines          []domain.OrderLine
	IdempotencyKey string
}

// BookingService reserves stock for every line of a booking or for none of
// them. The ledger only offers single-item atomicity, so a failure part way
// through is undone by releasing what was already taken, newest first.
type BookingService struct {
	ledger    port.StockLedger
	orders    port.OrderRepository
	guard     port.IdempotencyGuard
	publisher port.EventPublisher
	metrics   *metrics.Registry
	log       *slog.Logger

	retry         RetryPolicy
	ledgerTimeout time.Duration
	now           func() time.Time
}

type Option func(*BookingService)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *BookingService) { s.retry = p }
}

// WithLedgerTimeout bounds each individual store call.
func WithLedgerTimeout(d time.Duration) Option {
	return func(s *BookingService) { s.ledgerTimeout = d }
}

func WithIdempotency(g port.IdempotencyGuard) Option {
	return func(s *BookingService) { s.guard = g }
}

func WithPublisher(p port.EventPublisher) Option {
	return func(s *BookingService) { s.publisher = p }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *BookingService) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *BookingService) { s.now = now }
}

func NewBookingService(ledger port.StockLedger, orders port.OrderRepository, log *slog.Logger, opts ...Option) *BookingService {
	s := &BookingService{
		ledger:        ledger,
		orders:        orders,
		log:           log,
		retry:         DefaultRetryPolicy(),
		ledgerTimeout: defaultLedgerTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRegistry()
	}
	return s
}

func (s *BookingService) Book(ctx context.Context, req BookRequest) (domain.Order, error) {
	started := time.Now()
	order, err := s.book(ctx, req)
	s.metrics.ObserveBooking(bookingResult(err), started)
	return order, err
}

func (s *BookingService) book(ctx context.Context, req BookRequest) (_ domain.Order, err error) {
	demands, err := domain.Aggregate(req.UserID, req.Lines)
	if err != nil {
		return domain.Order{}, err
	}

	if req.IdempotencyKey != "" && s.guard != nil {
		key := fmt.Sprintf("booking:%s:%s", req.UserID, req.IdempotencyKey)
		ok, claimErr := s.guard.Claim(ctx, key)
		if claimErr != nil {
			return domain.Order{}, &domain.PersistenceError{Op: "claim idempotency key", Err: claimErr}
		}
		if !ok {
			return domain.Order{}, domain.ErrDuplicateRequest
		}
		defer func() {
			if err != nil {
				s.forget(ctx, key)
			}
		}()
	}

	order := domain.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Lines:     append([]domain.OrderLine(nil), req.Lines...),
		CreatedAt: s.now().UTC(),
	}

	held, err := s.reserveAll(ctx, order, demands)
	if err != nil {
		return domain.Order{}, err
	}

	stored, err := s.persist(ctx, order)
	if err != nil {
		stored, err = s.settleFailedPersist(ctx, order, held, err)
		if err != nil {
			return domain.Order{}, err
		}
	}

	s.log.Info("order booked",
		"order_id", stored.ID, "user_id", stored.UserID, "lines", len(stored.Lines))
	if s.publisher != nil {
		s.publisher.OrderCreated(ctx, stored)
	}
	return stored, nil
}

// reserveAll takes stock for each demand in order. On any failure it
// releases everything already held before returning.
func (s *BookingService) reserveAll(ctx context.Context, order domain.Order, demands []domain.Demand) ([]domain.Demand, error) {
	held := make([]domain.Demand, 0, len(demands))
	for _, d := range demands {
		if err := ctx.Err(); err != nil {
			s.releaseAll(ctx, order, held)
			return nil, &domain.PersistenceError{Op: "reserve " + d.ItemID, Err: err}
		}

		// The order id is the hold id, so a retry after a lost reply cannot
		// take the stock twice.
		err := s.retry.do(ctx, s.onRetry("reserve"), func() error {
			opCtx, cancel := s.detached(ctx)
			defer cancel()
			return s.ledger.TryReserve(opCtx, order.ID, d.ItemID, d.Quantity)
		})
		if err != nil {
			s.log.Info("reservation refused",
				"order_id", order.ID, "item_id", d.ItemID, "quantity", d.Quantity, "error", err)
			if domain.IsTerminal(err) {
				s.releaseAll(ctx, order, held)
				return nil, err
			}
			// A transient failure may still have landed; releasing an
			// unrecorded hold is a no-op.
			s.releaseAll(ctx, order, append(held, d))
			return nil, &domain.PersistenceError{Op: "reserve " + d.ItemID, Err: err}
		}

		s.metrics.Reservations.Inc()
		held = append(held, d)
	}
	return held, nil
}

func (s *BookingService) persist(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, &domain.PersistenceError{Op: "create order", Err: err}
	}

	var stored domain.Order
	err := s.retry.do(ctx, s.onRetry("create_order"), func() error {
		opCtx, cancel := s.detached(ctx)
		defer cancel()

		var err error
		stored, err = s.orders.CreateOrder(opCtx, order)
		return err
	})
	if err != nil {
		return domain.Order{}, &domain.PersistenceError{Op: "create order", Err: err}
	}
	return stored, nil
}

// settleFailedPersist decides what a failed order write actually did. The
// write may have committed with only the acknowledgement lost, so the order
// is looked up by id first: if it is there the booking stands, if it is
// definitely absent the stock is released. When the lookup fails too the
// outcome is unknown; the stock stays held and an alarm is raised for each
// item instead of guessing.
func (s *BookingService) settleFailedPersist(ctx context.Context, order domain.Order, held []domain.Demand, persistErr error) (domain.Order, error) {
	base := context.WithoutCancel(ctx)

	var stored domain.Order
	err := s.retry.do(base, s.onRetry("get_order"), func() error {
		opCtx, cancel := context.WithTimeout(base, s.ledgerTimeout)
		defer cancel()

		var err error
		stored, err = s.orders.GetOrder(opCtx, order.ID)
		return err
	})

	switch {
	case err == nil:
		s.log.Warn("order write reported failure but the order is stored",
			"order_id", order.ID, "user_id", order.UserID, "error", persistErr)
		return stored, nil
	case errors.Is(err, domain.ErrOrderNotFound):
		s.log.Warn("order not persisted, releasing stock",
			"order_id", order.ID, "user_id", order.UserID, "error", persistErr)
		s.releaseAll(ctx, order, held)
		return domain.Order{}, persistErr
	default:
		cause := fmt.Errorf("order outcome unknown: %w", errors.Join(persistErr, err))
		for _, d := range held {
			s.raiseAlarm(base, order, d, cause)
		}
		return domain.Order{}, persistErr
	}
}

// releaseAll undoes reservations in reverse acquisition order. It ignores
// caller cancellation: a rollback that started must finish.
func (s *BookingService) releaseAll(ctx context.Context, order domain.Order, held []domain.Demand) {
	base := context.WithoutCancel(ctx)
	for i := len(held) - 1; i >= 0; i-- {
		d := held[i]
		err := s.retry.do(base, s.onRetry("release"), func() error {
			opCtx, cancel := context.WithTimeout(base, s.ledgerTimeout)
			defer cancel()
			return s.ledger.Release(opCtx, order.ID, d.ItemID, d.Quantity)
		})
		if err != nil {
			s.raiseAlarm(base, order, d, err)
			continue
		}
		s.metrics.Releases.Inc()
	}
}

func (s *BookingService) raiseAlarm(ctx context.Context, order domain.Order, d domain.Demand, cause error) {
	s.metrics.InventoryAlarms.Inc()
	s.log.Error("inventory consistency alarm: stock release failed, manual reconciliation required",
		"item_id", d.ItemID,
		"quantity", d.Quantity,
		"order_id", order.ID,
		"user_id", order.UserID,
		"error", cause,
	)
	if s.publisher != nil {
		s.publisher.InventoryAlarm(ctx, domain.InventoryAlarm{
			ItemID:   d.ItemID,
			Quantity: d.Quantity,
			UserID:   order.UserID,
			OrderID:  order.ID,
			Cause:    cause.Error(),
			RaisedAt: s.now().UTC(),
		})
	}
}

func (s *BookingService) forget(ctx context.Context, key string) {
	opCtx, cancel := s.detached(ctx)
	defer cancel()
	if err := s.guard.Forget(opCtx, key); err != nil {
		s.log.Warn("failed to forget idempotency key", "key", key, "error", err)
	}
}

// detached derives a context for a single store call that outlives the
// caller's cancellation but not the ledger timeout.
func (s *BookingService) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.ledgerTimeout)
}

func (s *BookingService) onRetry(op string) func(int, error) {
	return func(attempt int, err error) {
		s.metrics.Retries.WithLabelValues(op).Inc()
		s.log.Warn("retrying store operation", "op", op, "attempt", attempt, "error", err)
	}
}

func (s *BookingService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, storeErr("get order", err)
	}
	return order, nil
}

func (s *BookingService) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	if userID == "" {
		return nil, &domain.ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	orders, err := s.orders.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, storeErr("list orders", err)
	}
	return orders, nil
}

func bookingResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultBooked
	case errors.Is(err, domain.ErrValidation):
		return metrics.ResultInvalid
	case errors.Is(err, domain.ErrItemNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return metrics.ResultInsufficient
	case errors.Is(err, domain.ErrDuplicateRequest):
		return metrics.ResultDuplicate
	default:
		return metrics.ResultFailed
	}
}

// storeErr passes definitive domain answers through and wraps the rest.
func storeErr(op string, err error) error {
	if err == nil || domain.IsTerminal(err) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
