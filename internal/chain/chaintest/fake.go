// Package chaintest provides an in-memory chain.Client for engine tests.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/custodyhub/evm-sweeper/internal/chain"
	"github.com/custodyhub/evm-sweeper/internal/types"
)

// SentTx records one transaction broadcast through the fake.
type SentTx struct {
	Hash     common.Hash
	From     common.Address
	To       common.Address
	Contract common.Address // zero for native sends
	Amount   *big.Int
}

// FakeClient implements chain.Client against in-memory fixtures. Sends are
// recorded; with AutoReceipt set each send also registers a successful
// receipt, so confirmation waiters resolve immediately.
type FakeClient struct {
	mu sync.Mutex

	Height       uint64
	Balances     map[common.Address]*big.Int
	Receipts     map[common.Hash]*types.Receipt
	TokenEvents  []types.Transfer
	NativeEvents []types.Transfer
	Tokens       map[common.Address]types.Currency

	Sent []SentTx

	SendNativeErr error
	SendTokenErr  error
	AutoReceipt   bool

	txCounter uint64
}

var _ chain.Client = (*FakeClient)(nil)

func NewFakeClient(height uint64) *FakeClient {
	return &FakeClient{
		Height:      height,
		Balances:    make(map[common.Address]*big.Int),
		Receipts:    make(map[common.Hash]*types.Receipt),
		Tokens:      make(map[common.Address]types.Currency),
		AutoReceipt: true,
	}
}

func (f *FakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Height, nil
}

func (f *FakeClient) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if balance, ok := f.Balances[address]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Receipts[txHash], nil
}

func (f *FakeClient) TokenTransfers(ctx context.Context, to common.Address, fromBlock, toBlock uint64) ([]types.Transfer, error) {
	return f.filter(f.TokenEvents, to, fromBlock, toBlock), nil
}

func (f *FakeClient) NativeTransfers(ctx context.Context, to common.Address, fromBlock, toBlock uint64) ([]types.Transfer, error) {
	return f.filter(f.NativeEvents, to, fromBlock, toBlock), nil
}

func (f *FakeClient) filter(events []types.Transfer, to common.Address, fromBlock, toBlock uint64) []types.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []types.Transfer
	for _, event := range events {
		if event.To == to && event.BlockNumber > fromBlock && event.BlockNumber <= toBlock {
			matched = append(matched, event)
		}
	}
	return matched
}

func (f *FakeClient) TokenInfo(ctx context.Context, contract common.Address) (types.Currency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if currency, ok := f.Tokens[contract]; ok {
		return currency, nil
	}
	return types.TokenCurrency(contract, contract.Hex(), 18), nil
}

func (f *FakeClient) SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error) {
	if f.SendNativeErr != nil {
		return common.Hash{}, f.SendNativeErr
	}
	return f.record(key, to, common.Address{}, amount), nil
}

func (f *FakeClient) SendToken(ctx context.Context, key *ecdsa.PrivateKey, contract, to common.Address, amount *big.Int) (common.Hash, error) {
	if f.SendTokenErr != nil {
		return common.Hash{}, f.SendTokenErr
	}
	return f.record(key, to, contract, amount), nil
}

func (f *FakeClient) record(key *ecdsa.PrivateKey, to, contract common.Address, amount *big.Int) common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.txCounter++
	hash := ethcrypto.Keccak256Hash([]byte(fmt.Sprintf("fake-tx-%d", f.txCounter)))
	f.Sent = append(f.Sent, SentTx{
		Hash:     hash,
		From:     chain.DeriveAddress(key),
		To:       to,
		Contract: contract,
		Amount:   new(big.Int).Set(amount),
	})
	if f.AutoReceipt {
		f.Receipts[hash] = &types.Receipt{TxHash: hash, BlockNumber: f.Height, Success: true}
	}
	return hash
}

// SentTo returns the broadcasts addressed to one recipient.
func (f *FakeClient) SentTo(to common.Address) []SentTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []SentTx
	for _, tx := range f.Sent {
		if tx.To == to {
			matched = append(matched, tx)
		}
	}
	return matched
}
