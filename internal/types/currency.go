package types

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeSymbol is the currency identifier recorded for native coin deposits.
// Token deposits record the token contract address instead.
const NativeSymbol = "ETH"

// Currency identifies what a transfer moved: the chain's native coin or an
// ERC-20 token. A zero Contract together with Native=true is the native coin.
type Currency struct {
	Native   bool
	Symbol   string
	Contract common.Address
	Decimals uint8
}

func NativeCurrency() Currency {
	return Currency{Native: true, Symbol: NativeSymbol, Decimals: 18}
}

func TokenCurrency(contract common.Address, symbol string, decimals uint8) Currency {
	return Currency{Symbol: symbol, Contract: contract, Decimals: decimals}
}

// Identifier is the value persisted in the currency_address column: the
// native symbol, or the hex contract address for tokens.
func (c Currency) Identifier() string {
	if c.Native {
		return NativeSymbol
	}
	return strings.ToLower(c.Contract.Hex())
}

// Normalize converts a raw integer amount into its decimal representation
// using the currency's precision.
func (c Currency) Normalize(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -int32(c.Decimals))
}

// Transfer is one observed incoming value movement to a custody address.
type Transfer struct {
	BlockNumber uint64
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Currency    Currency
	Amount      *big.Int
}

// Receipt is the confirmation result for a broadcast transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool
}
