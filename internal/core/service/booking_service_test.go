package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rl1809/grocery-booking/internal/adapter/storage"
	"github.com/rl1809/grocery-booking/internal/core/domain"
	"github.com/rl1809/grocery-booking/internal/logging"
	"github.com/rl1809/grocery-booking/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// flakyLedger wraps the in-memory ledger with injectable failures.
type flakyLedger struct {
	*storage.MemoryStore

	mu           sync.Mutex
	reserveFails map[string]int // transient failures left per item
	lostReplies  map[string]int // reserves applied but reported as failed
	releaseErr   error
	onReserve    func(itemID string)
	reserveCalls []string
	releaseCalls []string
}

func newFlakyLedger(store *storage.MemoryStore) *flakyLedger {
	return &flakyLedger{MemoryStore: store, reserveFails: map[string]int{}, lostReplies: map[string]int{}}
}

func (l *flakyLedger) TryReserve(ctx context.Context, holdID, itemID string, quantity int) error {
	l.mu.Lock()
	l.reserveCalls = append(l.reserveCalls, itemID)
	if l.reserveFails[itemID] > 0 {
		l.reserveFails[itemID]--
		l.mu.Unlock()
		return errors.New("i/o timeout")
	}
	if l.lostReplies[itemID] > 0 {
		l.lostReplies[itemID]--
		l.mu.Unlock()
		_ = l.MemoryStore.TryReserve(ctx, holdID, itemID, quantity)
		return errors.New("read: connection reset by peer")
	}
	hook := l.onReserve
	l.mu.Unlock()

	err := l.MemoryStore.TryReserve(ctx, holdID, itemID, quantity)
	if err == nil && hook != nil {
		hook(itemID)
	}
	return err
}

func (l *flakyLedger) Release(ctx context.Context, holdID, itemID string, quantity int) error {
	l.mu.Lock()
	l.releaseCalls = append(l.releaseCalls, itemID)
	releaseErr := l.releaseErr
	l.mu.Unlock()

	if releaseErr != nil {
		return releaseErr
	}
	return l.MemoryStore.Release(ctx, holdID, itemID, quantity)
}

type failingOrders struct {
	*storage.MemoryOrderStore
	err         error
	commitFirst bool // store the order before reporting err
	getErr      error
	calls       atomic.Int32
}

func (f *failingOrders) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	f.calls.Add(1)
	if f.err != nil {
		if f.commitFirst {
			_, _ = f.MemoryOrderStore.CreateOrder(ctx, order)
		}
		return domain.Order{}, f.err
	}
	return f.MemoryOrderStore.CreateOrder(ctx, order)
}

func (f *failingOrders) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if f.getErr != nil {
		return domain.Order{}, f.getErr
	}
	return f.MemoryOrderStore.GetOrder(ctx, orderID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	orders []domain.Order
	alarms []domain.InventoryAlarm
}

func (p *recordingPublisher) OrderCreated(ctx context.Context, order domain.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, order)
}

func (p *recordingPublisher) InventoryAlarm(ctx context.Context, alarm domain.InventoryAlarm) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alarms = append(p.alarms, alarm)
}

type fixture struct {
	store     *storage.MemoryStore
	ledger    *flakyLedger
	orders    *failingOrders
	publisher *recordingPublisher
	metrics   *metrics.Registry
	svc       *BookingService
}

func newFixture(t *testing.T, stock map[string]int) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	for id, qty := range stock {
		store.Seed(id, "item "+id, qty)
	}

	f := &fixture{
		store:     store,
		ledger:    newFlakyLedger(store),
		orders:    &failingOrders{MemoryOrderStore: storage.NewMemoryOrderStore()},
		publisher: &recordingPublisher{},
		metrics:   metrics.NewRegistry(),
	}
	f.svc = NewBookingService(f.ledger, f.orders, logging.Discard(),
		WithRetryPolicy(RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		WithLedgerTimeout(time.Second),
		WithIdempotency(storage.NewMemoryIdempotency()),
		WithPublisher(f.publisher),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return fixedNow }),
	)
	return f
}

func (f *fixture) available(t *testing.T, itemID string) int {
	t.Helper()
	item, err := f.store.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	return item.Quantity
}

func lines(pairs ...any) []domain.OrderLine {
	out := make([]domain.OrderLine, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, domain.OrderLine{ItemID: pairs[i].(string), Quantity: pairs[i+1].(int)})
	}
	return out
}

func TestBook_Success(t *testing.T) {
	f := newFixture(t, map[string]int{"milk": 10, "bread": 4})

	order, err := f.svc.Book(context.Background(), BookRequest{
		UserID: "u1",
		Lines:  lines("milk", 2, "bread", 3),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, order.ID)
	assert.Equal(t, "u1", order.UserID)
	assert.Equal(t, lines("milk", 2, "bread", 3), order.Lines)
	assert.Equal(t, fixedNow, order.CreatedAt)

	assert.Equal(t, 8, f.available(t, "milk"))
	assert.Equal(t, 1, f.available(t, "bread"))

	stored, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order, stored)

	assert.Len(t, f.publisher.orders, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Bookings.WithLabelValues(metrics.ResultBooked)))
}

func TestBook_ReservesInAscendingItemOrder(t *testing.T) {
	f := newFixture(t, map[string]int{"a": 5, "b": 5, "c": 5})

	_, err := f.svc.Book(context.Background(), BookRequest{
		UserID: "u1",
		Lines:  lines("c", 1, "a", 1, "b", 1),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, f.ledger.reserveCalls)
}

func TestBook_ConcurrentRequestsDoNotOversell(t *testing.T) {
	f := newFixture(t, map[string]int{"X": 5})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Book(context.Background(), BookRequest{UserID: "u", Lines: lines("X", 3)})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientStock)
		id, _ := domain.OffendingItem(err)
		assert.Equal(t, "X", id)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, f.available(t, "X"))
}

func TestBook_ManyConcurrentBookings(t *testing.T) {
	initialStock := 20
	totalRequests := 50
	f := newFixture(t, map[string]int{"item": initialStock})

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Book(context.Background(), BookRequest{UserID: "user", Lines: lines("item", 1)}); err == nil {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(initialStock), successCount.Load())
	assert.Equal(t, 0, f.available(t, "item"))
}

func TestBook_DuplicateLinesAreAggregated(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 4})

	_, err := f.svc.Book(context.Background(), BookRequest{
		UserID: "u1",
		Lines:  lines("A", 2, "A", 3),
	})

	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	id, _ := domain.OffendingItem(err)
	assert.Equal(t, "A", id)
	assert.Equal(t, 4, f.available(t, "A"))
	assert.Equal(t, []string{"A"}, f.ledger.reserveCalls)
}

func TestBook_UnknownItemRollsBackEverything(t *testing.T) {
	f := newFixture(t, map[string]int{"apple": 3, "banana": 3})

	_, err := f.svc.Book(context.Background(), BookRequest{
		UserID: "u1",
		Lines:  lines("apple", 1, "banana", 2, "zucchini", 1),
	})

	require.ErrorIs(t, err, domain.ErrItemNotFound)
	id, _ := domain.OffendingItem(err)
	assert.Equal(t, "zucchini", id)

	assert.Equal(t, 3, f.available(t, "apple"))
	assert.Equal(t, 3, f.available(t, "banana"))
	assert.Equal(t, []string{"banana", "apple"}, f.ledger.releaseCalls)
	assert.Empty(t, f.publisher.orders)
}

func TestBook_InsufficientSecondItemRestoresFirst(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 10, "B": 1})

	_, err := f.svc.Book(context.Background(), BookRequest{
		UserID: "u1",
		Lines:  lines("A", 5, "B", 2),
	})

	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	id, _ := domain.OffendingItem(err)
	assert.Equal(t, "B", id)
	assert.Equal(t, 10, f.available(t, "A"))
	assert.Equal(t, 1, f.available(t, "B"))

	orders, err := f.svc.ListOrders(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestBook_ValidationHasNoSideEffects(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 10})

	tests := []BookRequest{
		{UserID: "", Lines: lines("A", 1)},
		{UserID: "u1"},
		{UserID: "u1", Lines: lines("A", 0)},
		{UserID: "u1", Lines: lines("A", 1, "", 1)},
	}
	for _, req := range tests {
		_, err := f.svc.Book(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrValidation)
	}
	assert.Empty(t, f.ledger.reserveCalls)
	assert.Equal(t, 10, f.available(t, "A"))
}

func TestBook_PersistenceFailureReleasesStock(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 5, "B": 5})
	f.orders.err = errors.New("connection refused")

	_, err := f.svc.Book(context.Background(), BookRequest{UserID: "u1", Lines: lines("A", 2, "B", 1)})

	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, int32(3), f.orders.calls.Load(), "create is retried up to the attempt limit")
	assert.Equal(t, 5, f.available(t, "A"))
	assert.Equal(t, 5, f.available(t, "B"))
	assert.Empty(t, f.publisher.orders)
}

func TestBook_OrderStoredDespiteWriteErrorKeepsStock(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 5})
	f.orders.err = errors.New("commit ack lost")
	f.orders.commitFirst = true

	order, err := f.svc.Book(context.Background(), BookRequest{UserID: "u1", Lines: lines("A", 2)})
	require.NoError(t, err)

	stored, err := f.orders.MemoryOrderStore.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, order)
	assert.Equal(t, 3, f.available(t, "A"))
	assert.Empty(t, f.ledger.releaseCalls)
	assert.Len(t, f.publisher.orders, 1)
}

func TestBook_UnknownOrderOutcomeHoldsStockAndAlarms(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 5, "B": 5})
	f.orders.err = errors.New("i/o timeout")
	f.orders.getErr = errors.New("connection refused")

	_, err := f.svc.Book(context.Background(), BookRequest{UserID: "u1", Lines: lines("A", 2, "B", 1)})
	require.ErrorIs(t, err, domain.ErrPersistence)

	assert.Equal(t, 3, f.available(t, "A"))
	assert.Equal(t, 4, f.available(t, "B"))
	assert.Empty(t, f.ledger.releaseCalls)
	require.Len(t, f.publisher.alarms, 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.InventoryAlarms))
}

func TestBook_LostReserveReplyIsNotAppliedTwice(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 5})
	f.ledger.lostReplies["A"] = 1

	_, err := f.svc.Book(context.Background(), BookRequest{UserID: "u1", Lines: lines("A", 2)})
	require.NoError(t, err)
	assert.Equal(t, 3, f.available(t, "A"))
	assert.Equal(t, []string{"A", "A"}, f.ledger.reserveCalls)
}

func TestBook_ExhaustedRetriesAfterLostReplyReleaseTheHold(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 5, "B": 5})
	f.ledger.lostReplies["B"] = 10

	_, err := f.svc.Book(context.Background(), BookRequest{UserID: "u1", Lines: lines("A", 1, "B", 2)})
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 5, f.available(t, "A"))
	assert.Equal(t, 5, f.available(t, "B"))
	assert.Equal(t, []string{"B", "A"}, f.ledger.releaseCalls)
	assert.Empty(t, f.publisher.alarms)
}

func TestBook_TransientReserveFailureIsRetried(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 5})
	f.ledger.reserveFails["A"] = 2

	_, err := f.svc.Book(context.Background(), BookRequest{UserID: "u1", Lines: lines("A", 1)})
	require.NoError(t, err)
	assert.Equal(t, 4, f.available(t, "A"))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Retries.WithLabelValues("reserve")))
}

func TestBook_ExhaustedReserveRetriesSurfaceAsPersistenceError(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 5, "B": 5})
	f.ledger.reserveFails["B"] = 10

	_, err := f.svc.Book(context.Background(), BookRequest{UserID: "u1", Lines: lines("A", 1, "B", 1)})
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 5, f.available(t, "A"))
}

func TestBook_FailedReleaseRaisesAlarm(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 5, "B": 0})
	f.ledger.releaseErr = errors.New("redis: connection pool timeout")

	_, err := f.svc.Book(context.Background(), BookRequest{UserID: "u1", Lines: lines("A", 2, "B", 1)})

	// The caller still gets the definitive failure, not the release error.
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	require.Len(t, f.publisher.alarms, 1)
	alarm := f.publisher.alarms[0]
	assert.Equal(t, "A", alarm.ItemID)
	assert.Equal(t, 2, alarm.Quantity)
	assert.Equal(t, "u1", alarm.UserID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.InventoryAlarms))
	assert.Equal(t, 3, f.available(t, "A"), "uncompensated stock stays decremented")
}

func TestBook_CancellationMidBookingRollsBack(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 5, "B": 5})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ledger.onReserve = func(itemID string) {
		if itemID == "A" {
			cancel()
		}
	}

	_, err := f.svc.Book(ctx, BookRequest{UserID: "u1", Lines: lines("A", 1, "B", 1)})

	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 5, f.available(t, "A"))
	assert.Equal(t, 5, f.available(t, "B"))
	assert.Equal(t, []string{"A"}, f.ledger.releaseCalls)
}

func TestBook_IdempotencyKey(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 5})
	ctx := context.Background()

	_, err := f.svc.Book(ctx, BookRequest{UserID: "u1", Lines: lines("A", 1), IdempotencyKey: "k1"})
	require.NoError(t, err)

	_, err = f.svc.Book(ctx, BookRequest{UserID: "u1", Lines: lines("A", 1), IdempotencyKey: "k1"})
	require.ErrorIs(t, err, domain.ErrDuplicateRequest)
	assert.Equal(t, 4, f.available(t, "A"))

	// Keys are scoped per user.
	_, err = f.svc.Book(ctx, BookRequest{UserID: "u2", Lines: lines("A", 1), IdempotencyKey: "k1"})
	require.NoError(t, err)
}

func TestBook_FailedBookingFreesIdempotencyKey(t *testing.T) {
	f := newFixture(t, map[string]int{"A": 1})
	ctx := context.Background()

	_, err := f.svc.Book(ctx, BookRequest{UserID: "u1", Lines: lines("A", 2), IdempotencyKey: "retry-me"})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = f.svc.Book(ctx, BookRequest{UserID: "u1", Lines: lines("A", 1), IdempotencyKey: "retry-me"})
	require.NoError(t, err)
}

func TestBook_ConservationAfterMixedBookings(t *testing.T) {
	original := map[string]int{"a": 30, "b": 20, "c": 10}
	f := newFixture(t, original)
	ids := []string{"a", "b", "c", "missing"}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed*7+1))
			req := BookRequest{UserID: "mixed"}
			for n := 1 + r.IntN(3); n > 0; n-- {
				req.Lines = append(req.Lines, domain.OrderLine{ItemID: ids[r.IntN(len(ids))], Quantity: 1 + r.IntN(4)})
			}
			_, _ = f.svc.Book(context.Background(), req)
		}(uint64(i))
	}
	wg.Wait()

	orders, err := f.svc.ListOrders(context.Background(), "mixed")
	require.NoError(t, err)

	committed := map[string]int{}
	for _, o := range orders {
		for _, l := range o.Lines {
			committed[l.ItemID] += l.Quantity
		}
	}
	for id, qty := range original {
		assert.Equal(t, qty, committed[id]+f.available(t, id), "conservation for %s", id)
		assert.GreaterOrEqual(t, f.available(t, id), 0)
	}
	assert.Zero(t, committed["missing"])
}

func TestListOrders_RequiresUser(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.ListOrders(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.GetOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
