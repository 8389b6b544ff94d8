package scanner

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"github.com/custodyhub/evm-sweeper/internal/chain"
	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/metrics"
	"github.com/custodyhub/evm-sweeper/internal/state"
	"github.com/custodyhub/evm-sweeper/internal/types"
)

// TransferScanner advances each used address's block cursor, recording new
// token and native transfers as candidate deposits.
type TransferScanner struct {
	state *state.State
	chain chain.Client
}

func NewTransferScanner(st *state.State, client chain.Client) *TransferScanner {
	return &TransferScanner{state: st, chain: client}
}

func (s *TransferScanner) Start(ctx context.Context) {
	ticker := time.NewTicker(config.AppConfig.ScanInterval)
	defer ticker.Stop()

	log.Info("TransferScanner started")
	for {
		select {
		case <-ctx.Done():
			log.Info("TransferScanner stopped")
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce runs one scan pass over every used address. A failing address is
// logged and skipped; it never aborts the rest of the batch.
func (s *TransferScanner) ScanOnce(ctx context.Context) {
	height, err := s.chain.BlockNumber(ctx)
	if err != nil {
		log.Errorf("TransferScanner failed to read chain height: %v", err)
		return
	}

	addresses, err := s.state.FetchUsedAddresses()
	if err != nil {
		log.Errorf("TransferScanner failed to fetch addresses: %v", err)
		return
	}

	for _, addr := range addresses {
		if err := s.scanAddress(ctx, &addr, height); err != nil {
			metrics.ScanErrors.Inc()
			log.Errorf("TransferScanner address %s: %v", addr.Address, err)
		}
	}
}

func (s *TransferScanner) scanAddress(ctx context.Context, addr *db.DepositAddress, height uint64) error {
	token, ok, err := s.state.ClaimAddress(addr.Address, config.AppConfig.ProcessingLease)
	if err != nil {
		return err
	}
	if !ok {
		log.Debugf("TransferScanner skip %s, claimed by another cycle", addr.Address)
		return nil
	}
	defer s.state.ReleaseAddress(addr.Address, token)

	if height <= addr.LastSeenBlock {
		return nil
	}

	firstFailed, err := s.recordWindow(ctx, addr.Address, addr.LastSeenBlock, height)
	if err != nil {
		return err
	}
	if firstFailed > 0 {
		// Hold the cursor just short of the failed transfer so the next
		// cycle re-fetches it. Advancing to the scanned height here would
		// drop the deposit for good.
		if held := firstFailed - 1; held > addr.LastSeenBlock {
			if err := s.state.UpdateLastSeenBlock(addr.Address, held); err != nil {
				return err
			}
		}
		return errors.Errorf("transfer at block %d failed to record, cursor held before it", firstFailed)
	}

	return s.state.UpdateLastSeenBlock(addr.Address, height)
}

// recordWindow fetches and records both transfer kinds for one address over
// the half-open range (fromBlock, toBlock]. It returns the lowest block
// holding a transfer that failed to record, or 0 when everything recorded.
func (s *TransferScanner) recordWindow(ctx context.Context, address string, fromBlock, toBlock uint64) (uint64, error) {
	to := common.HexToAddress(address)
	var firstFailed uint64
	noteFailure := func(block uint64) {
		if firstFailed == 0 || block < firstFailed {
			firstFailed = block
		}
	}

	tokenTransfers, err := s.chain.TokenTransfers(ctx, to, fromBlock, toBlock)
	if err != nil {
		return 0, err
	}
	for _, transfer := range tokenTransfers {
		if err := s.recordTokenTransfer(ctx, transfer); err != nil {
			noteFailure(transfer.BlockNumber)
			log.Errorf("TransferScanner failed to record token transfer %s: %v",
				transfer.TxHash.Hex(), err)
		}
	}

	nativeTransfers, err := s.chain.NativeTransfers(ctx, to, fromBlock, toBlock)
	if err != nil {
		return 0, err
	}
	for _, transfer := range nativeTransfers {
		if err := s.recordNativeTransfer(transfer); err != nil {
			noteFailure(transfer.BlockNumber)
			log.Errorf("TransferScanner failed to record native transfer %s: %v",
				transfer.TxHash.Hex(), err)
		}
	}

	return firstFailed, nil
}

// ScanRange re-records transfers to one custody address over an explicit
// block range (fromBlock, toBlock], leaving the stored scan cursor alone.
// This is the operator recovery path for deposits a past cycle failed to
// record.
func (s *TransferScanner) ScanRange(ctx context.Context, address string, fromBlock, toBlock uint64) error {
	addr, err := s.state.GetAddress(address)
	if err != nil {
		return errors.Errorf("address %s is not under custody: %v", address, err)
	}

	token, ok, err := s.state.ClaimAddress(addr.Address, config.AppConfig.ProcessingLease)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("address %s is claimed by another task", addr.Address)
	}
	defer s.state.ReleaseAddress(addr.Address, token)

	firstFailed, err := s.recordWindow(ctx, addr.Address, fromBlock, toBlock)
	if err != nil {
		return err
	}
	if firstFailed > 0 {
		return errors.Errorf("transfer at block %d failed to record", firstFailed)
	}
	return nil
}

func (s *TransferScanner) recordTokenTransfer(ctx context.Context, transfer types.Transfer) error {
	if transfer.From == transfer.To {
		return nil
	}
	// Unlisted tokens are dropped silently; anyone can transfer arbitrary
	// contracts to a custody address.
	if !config.AppConfig.IsTokenAllowed(transfer.Currency.Contract) {
		return nil
	}

	currency := transfer.Currency
	if currency.Symbol == "" {
		resolved, err := s.chain.TokenInfo(ctx, currency.Contract)
		if err != nil {
			return err
		}
		currency = resolved
	}

	return s.insertDeposit(transfer, currency)
}

func (s *TransferScanner) recordNativeTransfer(transfer types.Transfer) error {
	if transfer.From == transfer.To {
		return nil
	}
	// Fee-float and refund transactions come from the operating wallet;
	// recording them would turn internal float management into deposits.
	if transfer.From == config.AppConfig.OperatingAddress {
		return nil
	}
	minWei := config.AppConfig.MinNativeDeposit.Shift(18).BigInt()
	if transfer.Amount.Cmp(minWei) < 0 {
		return nil
	}

	return s.insertDeposit(transfer, transfer.Currency)
}

func (s *TransferScanner) insertDeposit(transfer types.Transfer, currency types.Currency) error {
	deposit := &db.Deposit{
		BlockNumber:     transfer.BlockNumber,
		FromAddress:     strings.ToLower(transfer.From.Hex()),
		ToAddress:       strings.ToLower(transfer.To.Hex()),
		CurrencyAddress: currency.Identifier(),
		CurrencyName:    currency.Symbol,
		TxHash:          transfer.TxHash.Hex(),
		Amount:          currency.Normalize(new(big.Int).Set(transfer.Amount)),
		AmountRaw:       transfer.Amount.String(),
	}

	created, err := s.state.RecordDeposit(deposit)
	if err != nil {
		return err
	}
	if created {
		metrics.DepositsRecorded.Inc()
		log.Infof("Recorded %s deposit %s for wallet %s, amount %s",
			deposit.CurrencyName, deposit.TxHash, deposit.ToAddress, deposit.Amount)
	}
	return nil
}
