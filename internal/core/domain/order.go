package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	maxItemIDLength = 64
	maxUserIDLength = 128
)

type OrderLine struct {
	ItemID   string
	Quantity int
}

// Order is immutable once created. Lines keep the submitted sequence,
// duplicates included.
type Order struct {
	ID        string
	UserID    string
	Lines     []OrderLine
	CreatedAt time.Time
}

// Demand is the combined quantity requested for one item within a booking.
type Demand struct {
	ItemID   string
	Quantity int
}

// ValidItemID reports whether id is usable as an item identifier.
func ValidItemID(id string) bool {
	if id == "" || len(id) > maxItemIDLength {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) < 0
}

// Aggregate validates a booking and folds repeated item ids into a single
// demand each. The result is sorted by item id so every booking acquires
// items in the same order.
func Aggregate(userID string, lines []OrderLine) ([]Demand, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	if len(userID) > maxUserIDLength {
		return nil, &ValidationError{Field: "userId", Reason: "too long"}
	}
	if len(lines) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "must not be empty"}
	}

	totals := make(map[string]int, len(lines))
	for i, line := range lines {
		if !ValidItemID(line.ItemID) {
			return nil, &ValidationError{Field: fieldAt(i, "groceryId"), Reason: "malformed item id"}
		}
		if line.Quantity <= 0 {
			return nil, &ValidationError{Field: fieldAt(i, "quantity"), Reason: "must be positive"}
		}
		if totals[line.ItemID] > maxQuantity-line.Quantity {
			return nil, &ValidationError{Field: fieldAt(i, "quantity"), Reason: "too large"}
		}
		totals[line.ItemID] += line.Quantity
	}

	demands := make([]Demand, 0, len(totals))
	for id, qty := range totals {
		demands = append(demands, Demand{ItemID: id, Quantity: qty})
	}
	sort.Slice(demands, func(i, j int) bool { return demands[i].ItemID < demands[j].ItemID })
	return demands, nil
}

const maxQuantity = 1<<31 - 1

func fieldAt(i int, name string) string {
	return "items[" + strconv.Itoa(i) + "]." + name
}

// InventoryAlarm describes a compensation that could not be applied.
// Stock for ItemID is short by Quantity until someone reconciles it.
type InventoryAlarm struct {
	ItemID   string
	Quantity int
	UserID   string
	OrderID  string
	Cause    string
	RaisedAt time.Time
}
