package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/types"
)

// ConfirmationWaiter polls for a transaction receipt at a fixed interval
// until the attempt budget runs out. Both failure modes are non-fatal to the
// caller: the affected records stay in their pre-confirmation state.
type ConfirmationWaiter struct {
	client      Client
	Interval    time.Duration
	MaxAttempts int
}

func NewConfirmationWaiter(client Client) *ConfirmationWaiter {
	return &ConfirmationWaiter{
		client:      client,
		Interval:    config.AppConfig.ConfirmInterval,
		MaxAttempts: config.AppConfig.ConfirmAttempts,
	}
}

// Wait blocks until the transaction has a receipt, the budget is exhausted
// (ErrConfirmationTimeout), or the context is cancelled. A query error only
// surfaces when the final attempt failed; an earlier transient error followed
// by clean receipt-less polls still reads as a timeout.
func (w *ConfirmationWaiter) Wait(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var lastErr error
	for attempt := 0; attempt < w.MaxAttempts; attempt++ {
		receipt, err := w.client.TransactionReceipt(ctx, txHash)
		switch {
		case err != nil:
			lastErr = err
			log.Debugf("Receipt query for %s failed (attempt %d): %v", txHash.Hex(), attempt+1, err)
		case receipt != nil && receipt.TxHash == txHash:
			return receipt, nil
		default:
			lastErr = nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.Interval):
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, types.ErrConfirmationTimeout
}
