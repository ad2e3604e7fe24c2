package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultBooked       = "booked"
	ResultInvalid      = "invalid"
	ResultNotFound     = "not_found"
	ResultInsufficient = "insufficient_stock"
	ResultDuplicate    = "duplicate"
	ResultFailed       = "failed"
)

type Registry struct {
	reg *prometheus.Registry

	Bookings        *prometheus.CounterVec
	BookingLatency  prometheus.Histogram
	Reservations    prometheus.Counter
	Releases        prometheus.Counter
	Retries         *prometheus.CounterVec
	InventoryAlarms prometheus.Counter
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	bookings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grocery_bookings_total",
		Help: "Booking attempts by outcome.",
	}, []string{"result"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grocery_booking_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})
	reservations := prometheus.NewCounter(prometheus.CounterOpts{Name: "grocery_stock_reservations_total"})
	releases := prometheus.NewCounter(prometheus.CounterOpts{Name: "grocery_stock_releases_total"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grocery_store_retries_total",
		Help: "Retried store operations by operation name.",
	}, []string{"op"})
	alarms := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grocery_inventory_alarms_total",
		Help: "Compensating releases that failed after retries; stock needs manual reconciliation.",
	})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "grocery_events_published_total"}, []string{"topic"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "grocery_events_dropped_total"})

	r.MustRegister(
		bookings, latency, reservations, releases, retries, alarms, published, dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:             r,
		Bookings:        bookings,
		BookingLatency:  latency,
		Reservations:    reservations,
		Releases:        releases,
		Retries:         retries,
		InventoryAlarms: alarms,
		EventsPublished: published,
		EventsDropped:   dropped,
	}
}

func (r *Registry) ObserveBooking(result string, started time.Time) {
	r.Bookings.WithLabelValues(result).Inc()
	r.BookingLatency.Observe(time.Since(started).Seconds())
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
