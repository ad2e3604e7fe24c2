package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/grocery-booking/internal/adapter/storage"
	"github.com/rl1809/grocery-booking/internal/core/domain"
	"github.com/rl1809/grocery-booking/internal/core/service"
	"github.com/rl1809/grocery-booking/internal/logging"
)

const (
	eggsID        = "stress-eggs"
	milkID        = "stress-milk"
	eggsStock     = 20
	milkStock     = 35
	totalRequests = 50
)

// Every request books one egg carton and two bottles of milk, so milk runs
// out first at 17 bookings and eggs must be left at 3.
func main() {
	log := logging.New(os.Getenv("LOG_LEVEL"))
	if err := run(log); err != nil {
		log.Error("stress test failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("PASS")
}

func run(log *slog.Logger) error {
	ctx := context.Background()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	ledger := storage.NewRedisAdapter(rdb)
	for id, stock := range map[string]int{eggsID: eggsStock, milkID: milkStock} {
		if err := ledger.SetStock(ctx, id, stock); err != nil {
			return fmt.Errorf("set stock for %s: %w", id, err)
		}
	}

	booking := service.NewBookingService(ledger, storage.NewMemoryOrderStore(), logging.Discard())

	var successCount, shortCount, otherCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(user int) {
			defer wg.Done()

			_, err := booking.Book(ctx, service.BookRequest{
				UserID: fmt.Sprintf("user-%d", user),
				Lines: []domain.OrderLine{
					{ItemID: milkID, Quantity: 1},
					{ItemID: eggsID, Quantity: 1},
					{ItemID: milkID, Quantity: 1},
				},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				shortCount.Add(1)
			default:
				otherCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	expected := int32(milkStock / 2)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    eggs=%d milk=%d\n", eggsStock, milkStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Out of stock:     %d\n", shortCount.Load())
	fmt.Printf("Other errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	var errs []error
	if success != expected {
		errs = append(errs, fmt.Errorf("expected %d bookings, got %d", expected, success))
	}

	eggs, err := rdb.Get(ctx, "stock:"+eggsID).Int()
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("read eggs stock: %w", err))...)
	}
	milk, err := rdb.Get(ctx, "stock:"+milkID).Int()
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("read milk stock: %w", err))...)
	}
	fmt.Printf("Final Redis Stock: eggs=%d milk=%d\n", eggs, milk)

	if eggs != eggsStock-int(success) || milk != milkStock-2*int(success) {
		errs = append(errs, errors.New("stock does not match committed bookings"))
	}
	return errors.Join(errs...)
}
