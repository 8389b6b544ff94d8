package sweeper

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"github.com/custodyhub/evm-sweeper/internal/chain"
	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/keystore"
	"github.com/custodyhub/evm-sweeper/internal/metrics"
	"github.com/custodyhub/evm-sweeper/internal/state"
	"github.com/custodyhub/evm-sweeper/internal/types"
)

// SweepOrchestrator drives addresses holding unprocessed deposits through a
// sweep cycle: fund the address with fee float, sweep each deposit to cold
// storage, link the sweeps to the funding advance. Gas accounting and deposit
// sweeping are deliberately split across transactions; the float, not the
// deposit, absorbs the fee cost, and the refund reconciler settles the
// surplus once the true fee is observable.
type SweepOrchestrator struct {
	state  *state.State
	chain  chain.Client
	waiter *chain.ConfirmationWaiter
	keys   *keystore.Keystore
}

func NewSweepOrchestrator(st *state.State, client chain.Client, waiter *chain.ConfirmationWaiter, keys *keystore.Keystore) *SweepOrchestrator {
	return &SweepOrchestrator{state: st, chain: client, waiter: waiter, keys: keys}
}

func (o *SweepOrchestrator) Start(ctx context.Context) {
	ticker := time.NewTicker(config.AppConfig.SweepInterval)
	defer ticker.Stop()

	log.Info("SweepOrchestrator started")
	for {
		select {
		case <-ctx.Done():
			log.Info("SweepOrchestrator stopped")
			return
		case <-ticker.C:
			o.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one sweep pass. Per-address failures are logged and the
// loop continues; the address lease is released on every exit path.
func (o *SweepOrchestrator) SweepOnce(ctx context.Context) {
	addresses, err := o.state.FetchUsedAddresses()
	if err != nil {
		log.Errorf("SweepOrchestrator failed to fetch addresses: %v", err)
		return
	}

	for _, addr := range addresses {
		deposits, err := o.state.FindPendingDeposits(strings.ToLower(addr.Address))
		if err != nil {
			log.Errorf("SweepOrchestrator failed to fetch deposits for %s: %v", addr.Address, err)
			continue
		}
		if len(deposits) == 0 {
			continue
		}

		token, ok, err := o.state.ClaimAddress(addr.Address, config.AppConfig.ProcessingLease)
		if err != nil {
			log.Errorf("SweepOrchestrator failed to claim %s: %v", addr.Address, err)
			continue
		}
		if !ok {
			log.Debugf("SweepOrchestrator skip %s, claimed by another cycle", addr.Address)
			continue
		}

		if err := o.sweepAddress(ctx, &addr, deposits); err != nil {
			metrics.SweepErrors.Inc()
			log.Errorf("SweepOrchestrator address %s: %v", addr.Address, err)
		}
		o.state.ReleaseAddress(addr.Address, token)
	}
}

func (o *SweepOrchestrator) sweepAddress(ctx context.Context, addr *db.DepositAddress, deposits []db.Deposit) error {
	log.Infof("SweepOrchestrator found %d unprocessed deposits for %s", len(deposits), addr.Address)

	key, err := o.keys.Open(addr.EncryptedKey)
	if err != nil {
		return errors.Errorf("failed to open signing key for %s: %v", addr.Address, err)
	}

	// Funding failure aborts the whole address this cycle; nothing has been
	// marked in flight yet so everything retries next round.
	funding, err := o.fundForGas(ctx, addr.Address)
	if err != nil {
		return errors.Errorf("failed to fund %s for gas: %v", addr.Address, err)
	}

	// Snapshot the height once per address. It backstops the per-sweep height
	// read so a recorded sweep never carries block number zero.
	sendHeight, err := o.chain.BlockNumber(ctx)
	if err != nil {
		log.Warnf("Failed to read chain height before sweeping %s: %v", addr.Address, err)
	}

	// Token sweeps go first: the native sweep and the later refund depend on
	// the fee those sweeps consume being observable on chain.
	for _, deposit := range deposits {
		if deposit.CurrencyAddress == types.NativeSymbol {
			continue
		}
		if err := o.sweepTokenDeposit(ctx, key, &deposit, funding, sendHeight); err != nil {
			log.Errorf("SweepOrchestrator token sweep %s: %v", deposit.TxHash, err)
		}
	}

	for _, deposit := range deposits {
		if deposit.CurrencyAddress != types.NativeSymbol {
			continue
		}
		if err := o.sweepNativeDeposit(ctx, key, addr.Address, &deposit, funding, sendHeight); err != nil {
			log.Errorf("SweepOrchestrator native sweep %s: %v", deposit.TxHash, err)
		}
	}

	return nil
}

// fundForGas advances the fixed fee float from the operating wallet and
// waits for it to confirm before anything is swept against it.
func (o *SweepOrchestrator) fundForGas(ctx context.Context, address string) (*db.WalletFunding, error) {
	amount := config.AppConfig.GasFundAmount
	amountWei := amount.Shift(18).BigInt()

	txHash, err := o.chain.SendNative(ctx, config.AppConfig.OperatingKey, common.HexToAddress(address), amountWei)
	if err != nil {
		return nil, err
	}
	log.Infof("Funding %s with %s for gas, tx %s", address, amount, txHash.Hex())

	if _, err := o.waiter.Wait(ctx, txHash); err != nil {
		return nil, err
	}

	funding := &db.WalletFunding{
		WalletAddress: strings.ToLower(address),
		AmountFunded:  amount,
		TxHash:        txHash.Hex(),
	}
	if err := o.state.InsertWalletFunding(funding); err != nil {
		return nil, err
	}
	return funding, nil
}

// sweepTokenDeposit moves one token deposit's exact raw amount to cold
// storage. The deposit is marked in flight before the broadcast so a crash or
// a concurrent cycle cannot sweep it twice, and reverted to pending when the
// broadcast fails.
func (o *SweepOrchestrator) sweepTokenDeposit(ctx context.Context, key *ecdsa.PrivateKey, deposit *db.Deposit, funding *db.WalletFunding, sendHeight uint64) error {
	if err := o.state.MarkDepositSweeping(deposit.TxHash); err != nil {
		return errors.Errorf("deposit %s cannot enter sweep: %v", deposit.TxHash, err)
	}

	amount, ok := new(big.Int).SetString(deposit.AmountRaw, 10)
	if !ok {
		o.state.RevertDepositToPending(deposit.TxHash)
		return errors.Errorf("deposit %s has malformed raw amount %q", deposit.TxHash, deposit.AmountRaw)
	}

	contract := common.HexToAddress(deposit.CurrencyAddress)
	txHash, err := o.chain.SendToken(ctx, key, contract, config.AppConfig.ColdStorageAddress, amount)
	if err != nil {
		o.state.RevertDepositToPending(deposit.TxHash)
		return err
	}
	log.Infof("Sweeping %s %s from %s, tx %s", deposit.Amount, deposit.CurrencyName, deposit.ToAddress, txHash.Hex())

	return o.recordSweep(ctx, deposit, funding, txHash, deposit.AmountRaw, sendHeight)
}

// sweepNativeDeposit forwards the full native deposit amount. The amount is
// never reduced by the expected fee: the float pays the fee and the refund
// reconciler settles the surplus afterwards.
func (o *SweepOrchestrator) sweepNativeDeposit(ctx context.Context, key *ecdsa.PrivateKey, address string, deposit *db.Deposit, funding *db.WalletFunding, sendHeight uint64) error {
	amount, ok := new(big.Int).SetString(deposit.AmountRaw, 10)
	if !ok {
		return errors.Errorf("deposit %s has malformed raw amount %q", deposit.TxHash, deposit.AmountRaw)
	}

	balance, err := o.chain.Balance(ctx, common.HexToAddress(address))
	if err != nil {
		return err
	}
	reserveWei := config.AppConfig.EstimatedGasFee.Shift(18).BigInt()
	required := new(big.Int).Add(amount, reserveWei)
	if balance.Cmp(required) < 0 {
		return errors.Errorf("address %s balance %s below deposit %s plus gas reserve: %w",
			address, balance, amount, types.ErrInsufficientBalance)
	}

	if err := o.state.MarkDepositSweeping(deposit.TxHash); err != nil {
		return errors.Errorf("deposit %s cannot enter sweep: %v", deposit.TxHash, err)
	}

	txHash, err := o.chain.SendNative(ctx, key, config.AppConfig.ColdStorageAddress, amount)
	if err != nil {
		o.state.RevertDepositToPending(deposit.TxHash)
		return err
	}
	log.Infof("Sweeping %s %s from %s to cold storage, tx %s",
		deposit.Amount, types.NativeSymbol, address, txHash.Hex())

	return o.recordSweep(ctx, deposit, funding, txHash, deposit.AmountRaw, sendHeight)
}

func (o *SweepOrchestrator) recordSweep(ctx context.Context, deposit *db.Deposit, funding *db.WalletFunding, txHash common.Hash, amountRaw string, sendHeight uint64) error {
	height, err := o.chain.BlockNumber(ctx)
	if err != nil {
		log.Warnf("Failed to read chain height for sweep %s, recording send-time height %d: %v",
			txHash.Hex(), sendHeight, err)
		height = sendHeight
	}

	sweep := &db.Sweep{
		Address:         deposit.ToAddress,
		Amount:          deposit.Amount,
		AmountRaw:       amountRaw,
		TxHash:          txHash.Hex(),
		DepositTxHash:   deposit.TxHash,
		CurrencyName:    deposit.CurrencyName,
		CurrencyAddress: deposit.CurrencyAddress,
		BlockNumber:     height,
	}
	if err := o.state.InsertSweep(sweep); err != nil {
		// The broadcast already happened; reverting the deposit would invite
		// a double sweep. Loud log, manual inspection.
		return errors.Errorf("failed to record sweep %s: %v", txHash.Hex(), err)
	}
	if err := o.state.AttachSweepToFunding(sweep.ID, funding.ID); err != nil {
		return errors.Errorf("failed to link sweep %d to funding %d: %v", sweep.ID, funding.ID, err)
	}

	metrics.SweepsBroadcast.Inc()
	return nil
}
