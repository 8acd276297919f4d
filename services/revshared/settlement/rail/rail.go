package rail

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrRejected is returned when the rail refuses a transfer outright.
var ErrRejected = errors.New("rail: transfer rejected")

// ErrInvalidAddress rejects a payout address the rail cannot route to.
var ErrInvalidAddress = errors.New("rail: invalid payout address")

// Transfer is the proof returned for an accepted transfer.
type Transfer struct {
	TxHash string `json:"tx_hash"`
	TxLT   string `json:"tx_lt"`
}

// Rail captures the functionality the settlement service requires from the
// external signing client holding the hot wallet.
type Rail interface {
	SubmitTransfer(ctx context.Context, to string, amount *uint256.Int, memo string) (Transfer, error)
	Balance(ctx context.Context) (*uint256.Int, error)
}

// TransferLookup is implemented by rails that can find a prior submission by
// memo. It lets a re-claimed obligation recover the outcome of a transfer
// whose response was lost.
type TransferLookup interface {
	LookupTransfer(ctx context.Context, memo string) (Transfer, bool, error)
}

// FuncRail adapts callback functions to the Rail interface.
type FuncRail struct {
	SubmitFunc  func(ctx context.Context, to string, amount *uint256.Int, memo string) (Transfer, error)
	BalanceFunc func(ctx context.Context) (*uint256.Int, error)
	LookupFunc  func(ctx context.Context, memo string) (Transfer, bool, error)
}

// SubmitTransfer delegates to the configured callback.
func (r FuncRail) SubmitTransfer(ctx context.Context, to string, amount *uint256.Int, memo string) (Transfer, error) {
	if r.SubmitFunc == nil {
		return Transfer{}, fmt.Errorf("rail: submit not configured")
	}
	return r.SubmitFunc(ctx, to, amount, memo)
}

// Balance delegates to the configured callback.
func (r FuncRail) Balance(ctx context.Context) (*uint256.Int, error) {
	if r.BalanceFunc == nil {
		return new(uint256.Int).SetAllOne(), nil
	}
	return r.BalanceFunc(ctx)
}

// LookupTransfer delegates to the configured callback. Without one every
// lookup misses.
func (r FuncRail) LookupTransfer(ctx context.Context, memo string) (Transfer, bool, error) {
	if r.LookupFunc == nil {
		return Transfer{}, false, nil
	}
	return r.LookupFunc(ctx, memo)
}

var (
	tonRawAddress      = regexp.MustCompile(`^-?[0-9]+:[0-9a-fA-F]{64}$`)
	tonFriendlyAddress = regexp.MustCompile(`^[A-Za-z0-9_\-+/]{48}$`)
)

// NormalizeAddress validates a payout address and returns its canonical form.
// EVM hex addresses are checksummed; TON raw and user-friendly forms pass
// through unchanged.
func NormalizeAddress(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	switch {
	case trimmed == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	case common.IsHexAddress(trimmed):
		return common.HexToAddress(trimmed).Hex(), nil
	case tonRawAddress.MatchString(trimmed), tonFriendlyAddress.MatchString(trimmed):
		return trimmed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAddress, trimmed)
}

// ToBaseUnits scales a whole-unit amount by 10^decimals, truncating any
// remainder, and checks it fits the rail's 256-bit amount field.
func ToBaseUnits(amount decimal.Decimal, decimals int) (*uint256.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("rail: negative decimals %d", decimals)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("rail: amount %s must be positive", amount)
	}
	scaled := amount.Shift(int32(decimals)).Truncate(0)
	units, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("rail: amount %s overflows 256 bits", amount)
	}
	if units.IsZero() {
		return nil, fmt.Errorf("rail: amount %s rounds to zero base units", amount)
	}
	return units, nil
}

// FromBaseUnits converts base units back into a whole-unit decimal.
func FromBaseUnits(units *uint256.Int, decimals int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units.ToBig(), -int32(decimals))
}
