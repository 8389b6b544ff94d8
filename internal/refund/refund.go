package refund

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/custodyhub/evm-sweeper/internal/chain"
	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/keystore"
	"github.com/custodyhub/evm-sweeper/internal/metrics"
	"github.com/custodyhub/evm-sweeper/internal/state"
	"github.com/custodyhub/evm-sweeper/internal/types"
)

// GasRefundReconciler reclaims the unused portion of each fee-float advance
// once every sweep that advance paid for has confirmed. Broadcasting and
// confirmation tracking run as separate passes so one slow confirmation does
// not hold up other refunds.
type GasRefundReconciler struct {
	state  *state.State
	chain  chain.Client
	waiter *chain.ConfirmationWaiter
	keys   *keystore.Keystore
}

func NewGasRefundReconciler(st *state.State, client chain.Client, waiter *chain.ConfirmationWaiter, keys *keystore.Keystore) *GasRefundReconciler {
	return &GasRefundReconciler{state: st, chain: client, waiter: waiter, keys: keys}
}

func (r *GasRefundReconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(config.AppConfig.RefundInterval)
	defer ticker.Stop()

	log.Info("GasRefundReconciler started")
	for {
		select {
		case <-ctx.Done():
			log.Info("GasRefundReconciler stopped")
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
			r.ConfirmRefundsOnce(ctx)
		}
	}
}

// ReconcileOnce broadcasts a refund for every funding advance whose linked
// sweeps have all confirmed. An advance with any sweep still in flight is
// deferred: the float must stay put while a sweep it paid for might need it.
func (r *GasRefundReconciler) ReconcileOnce(ctx context.Context) {
	fundings, err := r.state.FindFundingsNeedingRefund()
	if err != nil {
		log.Errorf("GasRefundReconciler failed to fetch fundings: %v", err)
		return
	}
	if len(fundings) == 0 {
		return
	}
	log.Infof("GasRefundReconciler processing %d fundings", len(fundings))

	for _, funding := range fundings {
		discharged, err := r.fundingDischarged(funding.ID)
		if err != nil {
			log.Errorf("GasRefundReconciler funding %d: %v", funding.ID, err)
			continue
		}
		if !discharged {
			log.Debugf("GasRefundReconciler funding %d deferred, sweeps still in flight", funding.ID)
			continue
		}

		if err := r.refund(ctx, &funding); err != nil {
			log.Errorf("GasRefundReconciler refund for funding %d: %v", funding.ID, err)
		}
	}
}

// fundingDischarged reports whether every sweep linked to the advance has
// confirmed. A missing sweep row counts as not discharged.
func (r *GasRefundReconciler) fundingDischarged(fundingID uint) (bool, error) {
	sweeps, err := r.state.FindSweepsByFundingID(fundingID)
	if err != nil {
		if errors.Is(err, types.ErrInvariantViolation) {
			// A linked sweep row is missing; the float cannot be reclaimed
			// until it shows up.
			return false, nil
		}
		return false, err
	}
	for _, sweep := range sweeps {
		if !sweep.Processed {
			return false, nil
		}
	}
	return true, nil
}

// refund sends the address's balance minus a fixed reserve back to the
// operating wallet and records the surplus actually consumed. The funding
// row stays unprocessed until the refund transaction confirms.
func (r *GasRefundReconciler) refund(ctx context.Context, funding *db.WalletFunding) error {
	addr, err := r.state.GetAddress(funding.WalletAddress)
	if err != nil {
		return err
	}
	key, err := r.keys.Open(addr.EncryptedKey)
	if err != nil {
		return err
	}

	balance, err := r.chain.Balance(ctx, common.HexToAddress(funding.WalletAddress))
	if err != nil {
		return err
	}
	reserveWei := config.AppConfig.EstimatedGasFee.Shift(18).BigInt()
	refundWei := new(big.Int).Sub(balance, reserveWei)
	if refundWei.Sign() <= 0 {
		log.Warnf("GasRefundReconciler funding %d: balance %s below gas reserve, nothing to reclaim",
			funding.ID, balance)
		return nil
	}

	txHash, err := r.chain.SendNative(ctx, key, config.AppConfig.OperatingAddress, refundWei)
	if err != nil {
		return err
	}

	refunded := decimal.NewFromBigInt(refundWei, -18)
	consumed := funding.AmountFunded.Sub(refunded)
	log.Infof("Refunding %s from %s to operating wallet, consumed %s, tx %s",
		refunded, funding.WalletAddress, consumed, txHash.Hex())

	metrics.RefundsBroadcast.Inc()
	return r.state.RecordRefund(funding.ID, txHash.Hex(), consumed)
}

// ConfirmRefundsOnce finalizes funding rows whose refund transaction has
// confirmed. Split from the broadcast pass so a slow chain never blocks new
// refund broadcasts.
func (r *GasRefundReconciler) ConfirmRefundsOnce(ctx context.Context) {
	fundings, err := r.state.FindFundingsAwaitingRefundConfirm()
	if err != nil {
		log.Errorf("GasRefundReconciler failed to fetch pending refunds: %v", err)
		return
	}
	if len(fundings) == 0 {
		return
	}
	log.Infof("GasRefundReconciler confirming %d refunds", len(fundings))

	for _, funding := range fundings {
		receipt, err := r.waiter.Wait(ctx, common.HexToHash(funding.RefundTxHash))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Errorf("GasRefundReconciler refund %s not confirmed: %v", funding.RefundTxHash, err)
			continue
		}
		if !receipt.Success {
			log.Errorf("Refund tx %s reverted on chain for funding %d", funding.RefundTxHash, funding.ID)
			continue
		}
		if err := r.state.MarkFundingProcessed(funding.ID); err != nil {
			log.Errorf("GasRefundReconciler failed to finalize funding %d: %v", funding.ID, err)
			continue
		}
		log.Infof("Refund tx %s confirmed, funding %d settled", funding.RefundTxHash, funding.ID)
	}
}
