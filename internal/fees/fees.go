// Package fees computes the platform fee charged on escrow transactions.
//
// The fee is a fixed percentage of the principal, expressed in basis
// points, rounded half-up to the smallest unit. The same input always
// yields the same fee, which settlement auditing depends on.
package fees

import (
	"errors"
	"fmt"
	"math/big"
)

var ErrAmountTooSmall = errors.New("amount below minimum")

// Tier selects a fee schedule. The zero value is the standard tier.
type Tier string

const (
	TierStandard Tier = ""
	TierPriority Tier = "priority"
)

const bpsDenominator = 10_000

// Calculator computes platform fees from basis-point rates.
type Calculator struct {
	baseBps uint32
	tiers   map[Tier]uint32 // optional per-tier overrides
	min     *big.Int        // minimum accepted principal
}

// NewCalculator creates a calculator with the given base rate and minimum
// principal. Amounts below the minimum are rejected rather than rounding
// down to a zero fee.
func NewCalculator(baseBps uint32, min *big.Int) *Calculator {
	if min == nil {
		min = big.NewInt(0)
	}
	return &Calculator{
		baseBps: baseBps,
		tiers:   make(map[Tier]uint32),
		min:     new(big.Int).Set(min),
	}
}

// WithTier adds a per-tier rate override.
func (c *Calculator) WithTier(tier Tier, bps uint32) *Calculator {
	c.tiers[tier] = bps
	return c
}

// Fee returns the platform fee for the given principal and tier.
// The principal must be at least the configured minimum.
func (c *Calculator) Fee(principal *big.Int, tier Tier) (*big.Int, error) {
	if principal == nil || principal.Sign() <= 0 {
		return nil, fmt.Errorf("%w: principal must be positive", ErrAmountTooSmall)
	}
	if principal.Cmp(c.min) < 0 {
		return nil, fmt.Errorf("%w: minimum is %s", ErrAmountTooSmall, c.min.String())
	}

	bps := c.baseBps
	if override, ok := c.tiers[tier]; ok {
		bps = override
	}
	if bps == 0 {
		return big.NewInt(0), nil
	}

	// Round half-up: floor((principal*bps + denom/2) / denom)
	fee := new(big.Int).Mul(principal, big.NewInt(int64(bps)))
	fee.Add(fee, big.NewInt(bpsDenominator/2))
	fee.Div(fee, big.NewInt(bpsDenominator))
	return fee, nil
}

// MinAmount returns the minimum accepted principal.
func (c *Calculator) MinAmount() *big.Int {
	return new(big.Int).Set(c.min)
}
