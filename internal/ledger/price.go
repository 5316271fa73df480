package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PriceFeed quotes the fiat price of one whole token.
type PriceFeed interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}

// StaticPrice is a fixed quote.
type StaticPrice decimal.Decimal

// Price implements PriceFeed.
func (p StaticPrice) Price(context.Context) (decimal.Decimal, error) {
	return decimal.Decimal(p), nil
}

// ToTokenUnits converts a fiat amount into token base units at price,
// truncating below one base unit.
func ToTokenUnits(fiat, price decimal.Decimal, decimals int) (*uint256.Int, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("token price must be positive, got %s", price)
	}
	if fiat.IsNegative() {
		return nil, fmt.Errorf("fiat amount must not be negative, got %s", fiat)
	}

	units := fiat.DivRound(price, int32(decimals)+8).Shift(int32(decimals)).Truncate(0)
	v, overflow := uint256.FromBig(units.BigInt())
	if overflow {
		return nil, fmt.Errorf("token amount %s overflows 256 bits", units)
	}
	return v, nil
}
