// Package pricing resolves the price a mentor charges for a product.
// Quotes are a pure function of the mentor's current rate sheet.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Domain-level error values returned by the pricing resolver.
var (
	ErrProductNotOffered    = errors.New("product not offered")
	ErrUnknownProductKind   = errors.New("unknown product kind")
	ErrInvalidMentorID      = errors.New("invalid mentor id")
	ErrInvalidRateCents     = errors.New("invalid rate cents")
	ErrInvalidResolverSetup = errors.New("invalid resolver setup")
)

// ProductKind enumerates the purchasable products.
type ProductKind string

const (
	ProductQuick10  ProductKind = "QUICK_10"
	ProductQuick20  ProductKind = "QUICK_20"
	ProductSubWeek  ProductKind = "SUB_WEEK"
	ProductSubMonth ProductKind = "SUB_MONTH"
)

// String returns the stored representation.
func (kind ProductKind) String() string {
	return string(kind)
}

// ParseProductKind validates a stored product kind.
func ParseProductKind(raw string) (ProductKind, error) {
	switch ProductKind(raw) {
	case ProductQuick10, ProductQuick20, ProductSubWeek, ProductSubMonth:
		return ProductKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProductKind, raw)
	}
}

// MentorID identifies a mentor.
type MentorID struct {
	value string
}

// NewMentorID validates and normalizes a mentor id.
func NewMentorID(raw string) (MentorID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MentorID{}, fmt.Errorf("%w: empty value", ErrInvalidMentorID)
	}
	return MentorID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id MentorID) String() string {
	return id.value
}

// RateSheet holds a mentor's configured prices in cents. A zero rate means
// the product is not offered.
type RateSheet struct {
	MentorID      MentorID
	Quick10Cents  int64
	Quick20Cents  int64
	SubWeekCents  int64
	SubMonthCents int64
}

// RateFor returns the configured rate for a product kind.
func (sheet RateSheet) RateFor(kind ProductKind) int64 {
	switch kind {
	case ProductQuick10:
		return sheet.Quick10Cents
	case ProductQuick20:
		return sheet.Quick20Cents
	case ProductSubWeek:
		return sheet.SubWeekCents
	case ProductSubMonth:
		return sheet.SubMonthCents
	default:
		return 0
	}
}

// Validate rejects negative rates.
func (sheet RateSheet) Validate() error {
	for _, rate := range []int64{sheet.Quick10Cents, sheet.Quick20Cents, sheet.SubWeekCents, sheet.SubMonthCents} {
		if rate < 0 {
			return fmt.Errorf("%w: must not be negative", ErrInvalidRateCents)
		}
	}
	return nil
}

// Store is the persistence contract for mentor rate sheets.
type Store interface {
	GetRateSheet(ctx context.Context, mentorID MentorID) (RateSheet, error)
	PutRateSheet(ctx context.Context, sheet RateSheet) error
}

// Resolver quotes product prices from stored rate sheets.
type Resolver struct {
	store Store
}

// NewResolver wires a Resolver.
func NewResolver(store Store) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidResolverSetup)
	}
	return &Resolver{store: store}, nil
}

// Quote returns the price for a product, failing with ErrProductNotOffered
// when the mentor has not configured a non-zero rate for it.
func (resolver *Resolver) Quote(ctx context.Context, mentorID MentorID, kind ProductKind) (int64, error) {
	if _, err := ParseProductKind(kind.String()); err != nil {
		return 0, err
	}
	sheet, err := resolver.store.GetRateSheet(ctx, mentorID)
	if err != nil {
		return 0, err
	}
	rate := sheet.RateFor(kind)
	if rate <= 0 {
		return 0, fmt.Errorf("%w: mentor %s, product %s", ErrProductNotOffered, mentorID.String(), kind.String())
	}
	return rate, nil
}

// SetRates validates and stores a mentor's rate sheet.
func (resolver *Resolver) SetRates(ctx context.Context, sheet RateSheet) error {
	if err := sheet.Validate(); err != nil {
		return err
	}
	return resolver.store.PutRateSheet(ctx, sheet)
}
