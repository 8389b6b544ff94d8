package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	"github.com/custodyhub/evm-sweeper/internal/types"
)

const erc20ABIJson = `[
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"}
]`

const (
	nativeTransferGasLimit = uint64(21000)
	tokenTransferGasLimit  = uint64(100000)
)

var (
	erc20ABI           abi.ABI
	transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJson))
	if err != nil {
		log.Fatalf("Failed to parse erc20 abi: %v", err)
	}
	erc20ABI = parsed
}

func packTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// TokenInfo reads a token's symbol and decimals, caching the result for the
// process lifetime. Token metadata is immutable on every chain we custody.
func (c *EthClient) TokenInfo(ctx context.Context, contract common.Address) (types.Currency, error) {
	c.tokenMu.Lock()
	if cached, ok := c.tokenCache[contract]; ok {
		c.tokenMu.Unlock()
		return cached, nil
	}
	c.tokenMu.Unlock()

	decimals, err := c.callTokenUint8(ctx, contract, "decimals")
	if err != nil {
		return types.Currency{}, err
	}
	symbol, err := c.callTokenString(ctx, contract, "symbol")
	if err != nil {
		// Some tokens omit symbol(); fall back to the contract address so
		// the record still identifies the currency.
		log.Warnf("Token %s symbol() call failed: %v", contract.Hex(), err)
		symbol = strings.ToLower(contract.Hex())
	}

	currency := types.TokenCurrency(contract, symbol, decimals)
	c.tokenMu.Lock()
	c.tokenCache[contract] = currency
	c.tokenMu.Unlock()
	return currency, nil
}

func (c *EthClient) callTokenUint8(ctx context.Context, contract common.Address, method string) (uint8, error) {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		return 0, err
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return 0, &types.ChainQueryError{Op: method, Err: err}
	}
	var out uint8
	if err := erc20ABI.UnpackIntoInterface(&out, method, raw); err != nil {
		return 0, err
	}
	return out, nil
}

func (c *EthClient) callTokenString(ctx context.Context, contract common.Address, method string) (string, error) {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		return "", err
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return "", &types.ChainQueryError{Op: method, Err: err}
	}
	var out string
	if err := erc20ABI.UnpackIntoInterface(&out, method, raw); err != nil {
		return "", err
	}
	return out, nil
}
