package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-booking/internal/core/domain"
	"github.com/rl1809/grocery-booking/internal/core/service"
)

const maxBodyBytes = 1 << 20

const (
	codeInvalidBody       = "invalid_body"
	codeValidation        = "validation_error"
	codeItemNotFound      = "item_not_found"
	codeInsufficientStock = "insufficient_stock"
	codeOrderNotFound     = "order_not_found"
	codeDuplicateRequest  = "duplicate_request"
	codeInternal          = "internal_error"
)

type HTTPHandler struct {
	catalog *service.CatalogService
	booking *service.BookingService
	metrics http.Handler
	log     *slog.Logger
}

func NewHTTPHandler(catalog *service.CatalogService, booking *service.BookingService, metrics http.Handler, log *slog.Logger) *HTTPHandler {
	return &HTTPHandler{catalog: catalog, booking: booking, metrics: metrics, log: log}
}

type itemRequest struct {
	Name      *string          `json:"name"`
	Price     *decimal.Decimal `json:"price"`
	Inventory *int             `json:"inventory"`
}

type itemResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Price     json.Number `json:"price"`
	Inventory int         `json:"inventory"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type bookingLine struct {
	GroceryID string `json:"groceryId"`
	Quantity  int    `json:"quantity"`
}

type bookingRequest struct {
	UserID string        `json:"userId"`
	Items  []bookingLine `json:"items"`
}

type orderResponse struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Items     []bookingLine `json:"items"`
	CreatedAt time.Time     `json:"createdAt"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	ItemID string `json:"itemId,omitempty"`
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api/admin/grocery", func(r chi.Router) {
		r.Post("/", h.createItem)
		r.Get("/", h.listItems)
		r.Put("/{id}", h.updateItem)
		r.Delete("/{id}", h.deleteItem)
	})
	r.Get("/api/grocery", h.listAvailable)

	r.Post("/api/booking", h.book)
	r.Get("/api/booking/{id}", h.getOrder)
	r.Get("/api/users/{userId}/booking", h.listOrders)

	return r
}

func (h *HTTPHandler) createItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := domain.ItemInput{}
	if req.Name != nil {
		in.Name = *req.Name
	}
	if req.Price == nil {
		h.writeError(w, r, &domain.ValidationError{Field: "price", Reason: "is required"}, http.StatusNotFound)
		return
	}
	in.Price = *req.Price
	if req.Inventory == nil {
		h.writeError(w, r, &domain.ValidationError{Field: "inventory", Reason: "is required"}, http.StatusNotFound)
		return
	}
	in.Quantity = *req.Inventory

	item, err := h.catalog.CreateItem(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, toItemResponse(item))
}

func (h *HTTPHandler) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.catalog.ListItems(r.Context())
	if err != nil {
		h.writeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponses(items))
}

func (h *HTTPHandler) listAvailable(w http.ResponseWriter, r *http.Request) {
	items, err := h.catalog.ListAvailable(r.Context())
	if err != nil {
		h.writeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponses(items))
}

func (h *HTTPHandler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !h.decode(w, r, &req) {
		return
	}

	patch := domain.ItemPatch{Name: req.Name, Price: req.Price, Quantity: req.Inventory}
	item, err := h.catalog.UpdateItem(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (h *HTTPHandler) deleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.catalog.DeleteItem(r.Context(), id); err != nil {
		h.writeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "grocery item deleted", "id": id})
}

func (h *HTTPHandler) book(w http.ResponseWriter, r *http.Request) {
	var req bookingRequest
	if !h.decode(w, r, &req) {
		return
	}

	lines := make([]domain.OrderLine, len(req.Items))
	for i, l := range req.Items {
		lines[i] = domain.OrderLine{ItemID: l.GroceryID, Quantity: l.Quantity}
	}

	order, err := h.booking.Book(r.Context(), service.BookRequest{
		UserID:         req.UserID,
		Lines:          lines,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		// An unknown grocery id is a problem with the request body here.
		h.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *HTTPHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.booking.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.booking.ListOrders(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.writeError(w, r, err, http.StatusNotFound)
		return
	}
	out := make([]orderResponse, len(orders))
	for i, o := range orders {
		out[i] = toOrderResponse(o)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  codeInvalidBody,
		})
		return false
	}
	return true
}

// writeError maps a service error onto a status and error body. itemMissing
// is the status for an unknown grocery id, which differs between the admin
// and booking routes.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error, itemMissing int) {
	body := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, domain.ErrValidation):
		status, body.Code = http.StatusBadRequest, codeValidation
	case errors.Is(err, domain.ErrItemNotFound):
		status, body.Code = itemMissing, codeItemNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		status, body.Code = http.StatusBadRequest, codeInsufficientStock
	case errors.Is(err, domain.ErrOrderNotFound):
		status, body.Code = http.StatusNotFound, codeOrderNotFound
	case errors.Is(err, domain.ErrDuplicateRequest):
		status, body.Code = http.StatusConflict, codeDuplicateRequest
	default:
		body.Code = codeInternal
		body.Error = "internal error"
		h.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	if id, ok := domain.OffendingItem(err); ok {
		body.ItemID = id
	}
	writeJSON(w, status, body)
}

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func toItemResponse(item domain.Item) itemResponse {
	return itemResponse{
		ID:        item.ID,
		Name:      item.Name,
		Price:     json.Number(item.Price.StringFixed(2)),
		Inventory: item.Quantity,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
}

func toItemResponses(items []domain.Item) []itemResponse {
	out := make([]itemResponse, len(items))
	for i, item := range items {
		out[i] = toItemResponse(item)
	}
	return out
}

func toOrderResponse(order domain.Order) orderResponse {
	items := make([]bookingLine, len(order.Lines))
	for i, l := range order.Lines {
		items[i] = bookingLine{GroceryID: l.ItemID, Quantity: l.Quantity}
	}
	return orderResponse{ID: order.ID, UserID: order.UserID, Items: items, CreatedAt: order.CreatedAt}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
