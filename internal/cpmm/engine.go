// Package cpmm reproduces the on-chain constant-product pricing math.
// Every quantity is an unsigned 64-bit integer; intermediate products run
// through big.Int so reserves up to 2^64-1 never overflow. The rounding here
// (single floor division per quote) must match the program exactly, or the
// slippage bounds derived from a quote will not match what the chain executes.
package cpmm

import (
	"errors"
	"fmt"
	"math/big"
)

const bpsDenom = uint64(10_000)

// Side selects which outcome pool a trade acts on.
type Side uint8

const (
	SideYes Side = 0
	SideNo  Side = 1
)

func (s Side) String() string {
	switch s {
	case SideYes:
		return "yes"
	case SideNo:
		return "no"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

var (
	ErrEmptyPool     = errors.New("pool reserve is zero")
	ErrZeroAmount    = errors.New("amount must be > 0")
	ErrFeeTooHigh    = errors.New("fee bps must be < 10000")
	ErrTradeTooSmall = errors.New("trade too small to produce output")
)

// BuyQuote is the projected result of buying shares with collateral.
type BuyQuote struct {
	Side       Side
	GrossIn    uint64
	Fee        uint64
	NetIn      uint64
	SharesOut  uint64
	NewYesPool uint64
	NewNoPool  uint64
}

// SellQuote is the projected result of selling shares for collateral.
type SellQuote struct {
	Side          Side
	SharesIn      uint64
	GrossOut      uint64
	Fee           uint64
	CollateralOut uint64
	NewYesPool    uint64
	NewNoPool     uint64
}

// QuoteBuy prices a buy of `side` shares for grossIn collateral against the
// current reserves. The fee is taken from the input; the net amount lands in
// the passive reserve and shares come out of the active one.
func QuoteBuy(yesPool, noPool, grossIn, feeBps uint64, side Side) (*BuyQuote, error) {
	if yesPool == 0 || noPool == 0 {
		return nil, ErrEmptyPool
	}
	if grossIn == 0 {
		return nil, ErrZeroAmount
	}
	if feeBps >= bpsDenom {
		return nil, ErrFeeTooHigh
	}

	fee, err := mulDivFloor(grossIn, feeBps, bpsDenom)
	if err != nil {
		return nil, err
	}
	netIn := grossIn - fee

	k := new(big.Int).Mul(new(big.Int).SetUint64(yesPool), new(big.Int).SetUint64(noPool))

	var active, passive uint64
	switch side {
	case SideYes:
		active, passive = yesPool, noPool
	case SideNo:
		active, passive = noPool, yesPool
	default:
		return nil, fmt.Errorf("unknown side %d", side)
	}

	// passive + netIn can exceed the u64 range near the top of it; the sum
	// stays in big.Int until it is proven to fit.
	newPassiveBig := new(big.Int).Add(new(big.Int).SetUint64(passive), new(big.Int).SetUint64(netIn))
	if !newPassiveBig.IsUint64() {
		return nil, fmt.Errorf("reserve projection overflow")
	}
	newPassive := newPassiveBig.Uint64()
	newActiveBig := new(big.Int).Div(k, newPassiveBig)
	if !newActiveBig.IsUint64() {
		return nil, fmt.Errorf("reserve projection overflow")
	}
	newActive := newActiveBig.Uint64()
	if newActive >= active {
		return nil, ErrTradeTooSmall
	}
	sharesOut := active - newActive

	quote := &BuyQuote{
		Side:      side,
		GrossIn:   grossIn,
		Fee:       fee,
		NetIn:     netIn,
		SharesOut: sharesOut,
	}
	switch side {
	case SideYes:
		quote.NewYesPool = newActive
		quote.NewNoPool = newPassive
	case SideNo:
		quote.NewYesPool = newPassive
		quote.NewNoPool = newActive
	}
	return quote, nil
}

// QuoteSell prices a sale of sharesIn `side` shares back into the pool. The
// fee is taken from the gross collateral output, and the retained fee is
// added back into the reserve the collateral was drawn from, mirroring the
// program's fee-retention bookkeeping.
func QuoteSell(yesPool, noPool, sharesIn, feeBps uint64, side Side) (*SellQuote, error) {
	if yesPool == 0 || noPool == 0 {
		return nil, ErrEmptyPool
	}
	if sharesIn == 0 {
		return nil, ErrZeroAmount
	}
	if feeBps >= bpsDenom {
		return nil, ErrFeeTooHigh
	}

	k := new(big.Int).Mul(new(big.Int).SetUint64(yesPool), new(big.Int).SetUint64(noPool))

	var active, passive uint64
	switch side {
	case SideYes:
		active, passive = yesPool, noPool
	case SideNo:
		active, passive = noPool, yesPool
	default:
		return nil, fmt.Errorf("unknown side %d", side)
	}

	// active + sharesIn can exceed the u64 range near the top of it; the sum
	// stays in big.Int until it is proven to fit.
	newActiveBig := new(big.Int).Add(new(big.Int).SetUint64(active), new(big.Int).SetUint64(sharesIn))
	if !newActiveBig.IsUint64() {
		return nil, fmt.Errorf("reserve projection overflow")
	}
	newActive := newActiveBig.Uint64()
	newPassiveBig := new(big.Int).Div(k, newActiveBig)
	if !newPassiveBig.IsUint64() {
		return nil, fmt.Errorf("reserve projection overflow")
	}
	newPassive := newPassiveBig.Uint64()
	if newPassive >= passive {
		return nil, ErrTradeTooSmall
	}
	grossOut := passive - newPassive

	fee, err := mulDivFloor(grossOut, feeBps, bpsDenom)
	if err != nil {
		return nil, err
	}
	netOut := grossOut - fee
	feeKept := grossOut - netOut

	quote := &SellQuote{
		Side:          side,
		SharesIn:      sharesIn,
		GrossOut:      grossOut,
		Fee:           fee,
		CollateralOut: netOut,
	}
	// grossOut was drawn from the passive reserve; the retained fee goes
	// back into that same reserve.
	switch side {
	case SideYes:
		quote.NewYesPool = newActive
		quote.NewNoPool = newPassive + feeKept
	case SideNo:
		quote.NewYesPool = newPassive + feeKept
		quote.NewNoPool = newActive
	}
	return quote, nil
}

// ApplySlippageFloor scales an expected output down by slippageBps, flooring.
// A slippage of 10000 bps or more clamps to zero.
func ApplySlippageFloor(amount, slippageBps uint64) uint64 {
	if slippageBps >= bpsDenom {
		return 0
	}
	out, err := mulDivFloor(amount, bpsDenom-slippageBps, bpsDenom)
	if err != nil {
		return 0
	}
	return out
}

func mulDivFloor(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	left := new(big.Int).SetUint64(a)
	left.Mul(left, new(big.Int).SetUint64(b))
	left.Div(left, new(big.Int).SetUint64(denominator))
	if !left.IsUint64() {
		return 0, fmt.Errorf("mulDiv overflow")
	}
	return left.Uint64(), nil
}
