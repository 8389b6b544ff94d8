package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/types"
)

// Client is the chain surface the engine consumes. The production
// implementation talks JSON-RPC via go-ethereum; tests substitute fakes.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, address common.Address) (*big.Int, error)
	// TransactionReceipt returns (nil, nil) while the transaction is not yet
	// mined; the confirmation waiter polls on that.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	// TokenTransfers lists ERC-20 Transfer events to an address in the
	// half-open range (fromBlock, toBlock]. Currency carries the contract
	// only; callers resolve symbol and decimals via TokenInfo when needed.
	TokenTransfers(ctx context.Context, to common.Address, fromBlock, toBlock uint64) ([]types.Transfer, error)
	// NativeTransfers lists plain value transfers to an address in the same
	// half-open range.
	NativeTransfers(ctx context.Context, to common.Address, fromBlock, toBlock uint64) ([]types.Transfer, error)
	TokenInfo(ctx context.Context, contract common.Address) (types.Currency, error)
	SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error)
	SendToken(ctx context.Context, key *ecdsa.PrivateKey, contract, to common.Address, amount *big.Int) (common.Hash, error)
}

type EthClient struct {
	client  *ethclient.Client
	chainId *big.Int
	signer  ethtypes.Signer

	tokenMu    sync.Mutex
	tokenCache map[common.Address]types.Currency
}

var _ Client = (*EthClient)(nil)

func DialEthClient() *EthClient {
	client, err := ethclient.Dial(config.AppConfig.ChainRPC)
	if err != nil {
		log.Fatalf("Failed to connect to chain RPC %s: %v", config.AppConfig.ChainRPC, err)
	}
	chainId := big.NewInt(config.AppConfig.ChainId)
	return &EthClient{
		client:     client,
		chainId:    chainId,
		signer:     ethtypes.LatestSignerForChainID(chainId),
		tokenCache: make(map[common.Address]types.Currency),
	}
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	height, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, &types.ChainQueryError{Op: "blockNumber", Err: err}
	}
	return height, nil
}

func (c *EthClient) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	balance, err := c.client.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, &types.ChainQueryError{Op: "balanceAt", Err: err}
	}
	return balance, nil
}

func (c *EthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, &types.ChainQueryError{Op: "transactionReceipt", Err: err}
	}
	return &types.Receipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Success:     receipt.Status == ethtypes.ReceiptStatusSuccessful,
	}, nil
}

func (c *EthClient) TokenTransfers(ctx context.Context, to common.Address, fromBlock, toBlock uint64) ([]types.Transfer, error) {
	if toBlock <= fromBlock {
		return nil, nil
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock + 1),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Topics: [][]common.Hash{
			{transferEventTopic},
			nil,
			{common.BytesToHash(to.Bytes())},
		},
	}
	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, &types.ChainQueryError{Op: "filterLogs", Err: err}
	}

	transfers := make([]types.Transfer, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) != 3 || len(l.Data) == 0 {
			continue
		}
		transfers = append(transfers, types.Transfer{
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			From:        common.BytesToAddress(l.Topics[1].Bytes()),
			To:          to,
			Currency:    types.Currency{Contract: l.Address},
			Amount:      new(big.Int).SetBytes(l.Data),
		})
	}
	return transfers, nil
}

func (c *EthClient) NativeTransfers(ctx context.Context, to common.Address, fromBlock, toBlock uint64) ([]types.Transfer, error) {
	var transfers []types.Transfer
	for height := fromBlock + 1; height <= toBlock; height++ {
		block, err := c.client.BlockByNumber(ctx, new(big.Int).SetUint64(height))
		if err != nil {
			return nil, &types.ChainQueryError{Op: "blockByNumber", Err: err}
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != to || tx.Value().Sign() <= 0 {
				continue
			}
			from, err := ethtypes.Sender(c.signer, tx)
			if err != nil {
				log.Warnf("Failed to recover sender of tx %s: %v", tx.Hash().Hex(), err)
				continue
			}
			transfers = append(transfers, types.Transfer{
				BlockNumber: height,
				TxHash:      tx.Hash(),
				From:        from,
				To:          to,
				Currency:    types.NativeCurrency(),
				Amount:      tx.Value(),
			})
		}
	}
	return transfers, nil
}

func (c *EthClient) SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, &types.ChainQueryError{Op: "pendingNonceAt", Err: err}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &types.ChainQueryError{Op: "suggestGasPrice", Err: err}
	}

	tx := ethtypes.NewTransaction(nonce, to, amount, nativeTransferGasLimit, gasPrice, nil)
	signedTx, err := ethtypes.SignTx(tx, c.signer, key)
	if err != nil {
		return common.Hash{}, errors.Errorf("failed to sign native transfer: %v", err)
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, &types.ChainQueryError{Op: "sendTransaction", Err: err}
	}
	return signedTx.Hash(), nil
}

func (c *EthClient) SendToken(ctx context.Context, key *ecdsa.PrivateKey, contract, to common.Address, amount *big.Int) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	calldata, err := packTransfer(to, amount)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, &types.ChainQueryError{Op: "pendingNonceAt", Err: err}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &types.ChainQueryError{Op: "suggestGasPrice", Err: err}
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &contract,
		Data: calldata,
	})
	if err != nil {
		gasLimit = tokenTransferGasLimit
	}

	tx := ethtypes.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, calldata)
	signedTx, err := ethtypes.SignTx(tx, c.signer, key)
	if err != nil {
		return common.Hash{}, errors.Errorf("failed to sign token transfer: %v", err)
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, &types.ChainQueryError{Op: "sendTransaction", Err: err}
	}
	return signedTx.Hash(), nil
}

// DeriveAddress resolves the chain address controlled by a private key.
func DeriveAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
