package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Item struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Quantity  int
	Version   int // optimistic locking for admin updates
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ItemInput carries the fields an admin supplies when creating an item.
type ItemInput struct {
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// ItemPatch is a partial update; nil fields are left untouched.
// A non-nil Quantity replaces the stored value outright. A patch with no
// fields set is valid and changes nothing.
type ItemPatch struct {
	Name     *string
	Price    *decimal.Decimal
	Quantity *int
}

const (
	maxNameLength = 255
	priceScale    = 2
)

func (in ItemInput) Validate() error {
	if err := validateName(in.Name); err != nil {
		return err
	}
	if err := validatePrice(in.Price); err != nil {
		return err
	}
	if in.Quantity < 0 {
		return &ValidationError{Field: "inventory", Reason: "must not be negative"}
	}
	return nil
}

func (p ItemPatch) Empty() bool {
	return p.Name == nil && p.Price == nil && p.Quantity == nil
}

func (p ItemPatch) Validate() error {
	if p.Name != nil {
		if err := validateName(*p.Name); err != nil {
			return err
		}
	}
	if p.Price != nil {
		if err := validatePrice(*p.Price); err != nil {
			return err
		}
	}
	if p.Quantity != nil && *p.Quantity < 0 {
		return &ValidationError{Field: "inventory", Reason: "must not be negative"}
	}
	return nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(name) > maxNameLength {
		return &ValidationError{Field: "name", Reason: "too long"}
	}
	return nil
}

// Prices are stored with two fractional digits.
func validatePrice(price decimal.Decimal) error {
	if price.IsNegative() {
		return &ValidationError{Field: "price", Reason: "must not be negative"}
	}
	if !price.Equal(price.Round(priceScale)) {
		return &ValidationError{Field: "price", Reason: "at most two decimal places"}
	}
	return nil
}

// Apply returns a copy of item with the patch applied.
func (p ItemPatch) Apply(item Item) Item {
	if p.Name != nil {
		item.Name = *p.Name
	}
	if p.Price != nil {
		item.Price = *p.Price
	}
	if p.Quantity != nil {
		item.Quantity = *p.Quantity
	}
	return item
}
