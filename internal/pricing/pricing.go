// Package pricing implements the payment option calculator.
//
// Everything here is pure: no I/O, no clock, no hidden state. The same
// inputs always produce the same schedule, which makes the calculator safe
// to call repeatedly for what-if previews before checkout.
//
// All amounts are integer cents. Rounding remainders from installment
// division are folded into the final installment so the schedule always
// sums exactly to the outstanding balance.
package pricing

import (
	"errors"
	"fmt"
)

// Kind identifies a payment structure.
type Kind string

const (
	KindPayInFull   Kind = "pay_in_full"
	KindDeferred    Kind = "deferred"
	KindInstallment Kind = "installment"
)

// Cadence is the recurring charge interval for installment structures.
type Cadence string

const (
	CadenceWeekly   Cadence = "weekly"
	CadenceBiweekly Cadence = "biweekly"
	CadenceMonthly  Cadence = "monthly"
)

var (
	ErrUnknownKind      = errors.New("pricing: unknown payment structure kind")
	ErrUnknownCadence   = errors.New("pricing: unknown cadence")
	ErrNothingOwed      = errors.New("pricing: nothing owed, remainder is zero")
	ErrCreditExceeds    = errors.New("pricing: amount credited exceeds total price")
	ErrNegativeAmount   = errors.New("pricing: amounts must not be negative")
	ErrNoDeferredTier   = errors.New("pricing: no deferred-pay tier covers this amount")
	ErrInstallmentCount = errors.New("pricing: installment count does not fit remaining balance")
)

// RangeError reports a setup-fee candidate outside the admissible range.
// It carries the computed bounds so the caller can re-prompt instead of
// guessing. Candidates are rejected, never clamped.
type RangeError struct {
	GotCents int64
	MinCents int64
	MaxCents int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("pricing: setup fee %d outside valid range [%d, %d]", e.GotCents, e.MinCents, e.MaxCents)
}

// DeferredTier is one externally defined buy-now-pay-later offering.
// The financing party owns collection; the engine only selects the tier
// whose eligibility window covers the outstanding balance.
type DeferredTier struct {
	Installments int     `json:"installments"`
	Cadence      Cadence `json:"cadence"`
	MinCents     int64   `json:"minCents"`
	MaxCents     int64   `json:"maxCents"`
}

// Config carries the pricing knobs. Injected by the caller; there is no
// package-level mutable configuration.
type Config struct {
	PayInFullDiscountPct int
	MinDepositPct        int
	DeferredTiers        []DeferredTier
}

// DefaultConfig returns the standard catalogue: 10% pay-in-full discount,
// 35% minimum deposit, and a single four-charge biweekly BNPL tier for
// balances between $1 and $4,000.
func DefaultConfig() Config {
	return Config{
		PayInFullDiscountPct: 10,
		MinDepositPct:        35,
		DeferredTiers: []DeferredTier{
			{Installments: 4, Cadence: CadenceBiweekly, MinCents: 100, MaxCents: 400_000},
		},
	}
}

// StructureRequest is the payer's chosen payment structure.
type StructureRequest struct {
	Kind Kind `json:"kind"`

	// Installment plan fields.
	SetupFeeCents    int64   `json:"setupFeeCents,omitempty"`
	InstallmentCount int     `json:"installmentCount,omitempty"`
	Cadence          Cadence `json:"cadence,omitempty"`
}

// PaymentStructure is a concrete, fully resolved schedule of charges.
type PaymentStructure struct {
	Kind           Kind  `json:"kind"`
	RemainderCents int64 `json:"remainderCents"` // total price minus credit, before discount

	// DueNowCents is the first (immediate) charge: the discounted total for
	// pay-in-full, the first deferred charge, or the setup fee.
	DueNowCents int64 `json:"dueNowCents"`

	// Pay-in-full.
	DiscountCents int64 `json:"discountCents,omitempty"`

	// Deferred and installment plans.
	Cadence               Cadence `json:"cadence,omitempty"`
	InstallmentCount      int     `json:"installmentCount,omitempty"`
	InstallmentCents      int64   `json:"installmentCents,omitempty"`
	FinalInstallmentCents int64   `json:"finalInstallmentCents,omitempty"`

	// Deferred only: whether a third party owns collection.
	ExternallyFinanced bool `json:"externallyFinanced,omitempty"`
}

// Charges expands the structure into the ordered list of charge amounts.
// The sum always equals RemainderCents minus DiscountCents.
func (p *PaymentStructure) Charges() []int64 {
	switch p.Kind {
	case KindPayInFull:
		return []int64{p.DueNowCents}
	case KindDeferred:
		out := make([]int64, 0, p.InstallmentCount)
		for i := 0; i < p.InstallmentCount-1; i++ {
			out = append(out, p.InstallmentCents)
		}
		return append(out, p.FinalInstallmentCents)
	case KindInstallment:
		out := []int64{p.DueNowCents}
		for i := 0; i < p.InstallmentCount-1; i++ {
			out = append(out, p.InstallmentCents)
		}
		if p.InstallmentCount > 0 {
			out = append(out, p.FinalInstallmentCents)
		}
		return out
	}
	return nil
}

// SetupFeeBounds returns the admissible [min, max] setup-fee range for the
// outstanding balance. Exposed so checkout can show the range up front.
func (c Config) SetupFeeBounds(remainderCents int64) (minCents, maxCents int64) {
	return ceilPct(remainderCents, c.MinDepositPct), remainderCents
}

// Quote converts a price, prior credit, and a chosen structure into a
// concrete schedule of charges. It rejects invalid requests with typed
// errors and never mutates any state.
func (c Config) Quote(totalCents, creditedCents int64, req StructureRequest) (*PaymentStructure, error) {
	if totalCents < 0 || creditedCents < 0 {
		return nil, ErrNegativeAmount
	}
	if creditedCents > totalCents {
		return nil, ErrCreditExceeds
	}
	remainder := totalCents - creditedCents
	if remainder == 0 {
		return nil, ErrNothingOwed
	}

	switch req.Kind {
	case KindPayInFull:
		return c.quotePayInFull(remainder), nil
	case KindDeferred:
		return c.quoteDeferred(remainder)
	case KindInstallment:
		return c.quoteInstallment(remainder, req)
	default:
		return nil, ErrUnknownKind
	}
}

func (c Config) quotePayInFull(remainder int64) *PaymentStructure {
	// Discount floors to the smallest currency unit, in the payer's favor
	// never overcharging the remainder.
	discount := remainder * int64(c.PayInFullDiscountPct) / 100
	return &PaymentStructure{
		Kind:           KindPayInFull,
		RemainderCents: remainder,
		DiscountCents:  discount,
		DueNowCents:    remainder - discount,
	}
}

func (c Config) quoteDeferred(remainder int64) (*PaymentStructure, error) {
	for _, tier := range c.DeferredTiers {
		if remainder < tier.MinCents || remainder > tier.MaxCents {
			continue
		}
		per := ceilDiv(remainder, int64(tier.Installments))
		final := remainder - per*int64(tier.Installments-1)
		return &PaymentStructure{
			Kind:                  KindDeferred,
			RemainderCents:        remainder,
			DueNowCents:           per,
			Cadence:               tier.Cadence,
			InstallmentCount:      tier.Installments,
			InstallmentCents:      per,
			FinalInstallmentCents: final,
			ExternallyFinanced:    true,
		}, nil
	}
	return nil, ErrNoDeferredTier
}

func (c Config) quoteInstallment(remainder int64, req StructureRequest) (*PaymentStructure, error) {
	switch req.Cadence {
	case CadenceWeekly, CadenceBiweekly, CadenceMonthly:
	default:
		return nil, ErrUnknownCadence
	}

	minFee, maxFee := c.SetupFeeBounds(remainder)
	if req.SetupFeeCents < minFee || req.SetupFeeCents > maxFee {
		return nil, &RangeError{GotCents: req.SetupFeeCents, MinCents: minFee, MaxCents: maxFee}
	}

	owed := remainder - req.SetupFeeCents
	if owed == 0 {
		// Setup fee covers everything; degenerate plan with no recurring part.
		return &PaymentStructure{
			Kind:           KindInstallment,
			RemainderCents: remainder,
			DueNowCents:    req.SetupFeeCents,
			Cadence:        req.Cadence,
		}, nil
	}

	if req.InstallmentCount < 1 || int64(req.InstallmentCount) > owed {
		// Each recurring charge must be at least one cent.
		return nil, ErrInstallmentCount
	}

	per := ceilDiv(owed, int64(req.InstallmentCount))
	final := owed - per*int64(req.InstallmentCount-1)
	if final < 1 {
		// Ceil division can overshoot when the count is close to the cent
		// amount, leaving nothing for the final charge.
		return nil, ErrInstallmentCount
	}
	return &PaymentStructure{
		Kind:                  KindInstallment,
		RemainderCents:        remainder,
		DueNowCents:           req.SetupFeeCents,
		Cadence:               req.Cadence,
		InstallmentCount:      req.InstallmentCount,
		InstallmentCents:      per,
		FinalInstallmentCents: final,
	}, nil
}

// ceilDiv divides rounding up. b must be positive.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// ceilPct computes pct% of amount, rounding up to the next cent.
func ceilPct(amount int64, pct int) int64 {
	return ceilDiv(amount*int64(pct), 100)
}
