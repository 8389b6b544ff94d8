package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/custodyhub/evm-sweeper/internal/chain"
	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/metrics"
	"github.com/custodyhub/evm-sweeper/internal/state"
)

// SweepConfirmer tracks broadcast sweeps until the chain confirms them, then
// finalizes the sweep row and the deposit it consumed. It runs separately
// from the orchestrator so slow confirmations never hold up new sweeps.
type SweepConfirmer struct {
	state  *state.State
	waiter *chain.ConfirmationWaiter
}

func NewSweepConfirmer(st *state.State, waiter *chain.ConfirmationWaiter) *SweepConfirmer {
	return &SweepConfirmer{state: st, waiter: waiter}
}

func (c *SweepConfirmer) Start(ctx context.Context) {
	ticker := time.NewTicker(config.AppConfig.SweepInterval)
	defer ticker.Stop()

	log.Info("SweepConfirmer started")
	for {
		select {
		case <-ctx.Done():
			log.Info("SweepConfirmer stopped")
			return
		case <-ticker.C:
			c.ConfirmOnce(ctx)
		}
	}
}

// ConfirmOnce waits on every unconfirmed sweep in turn. A timeout leaves the
// sweep unprocessed for the next cycle; it is never finalized on a guess.
func (c *SweepConfirmer) ConfirmOnce(ctx context.Context) {
	sweeps, err := c.state.FindUnprocessedSweeps()
	if err != nil {
		log.Errorf("SweepConfirmer failed to fetch sweeps: %v", err)
		return
	}
	if len(sweeps) == 0 {
		return
	}
	log.Infof("SweepConfirmer tracking %d sweeps", len(sweeps))

	for _, sweep := range sweeps {
		receipt, err := c.waiter.Wait(ctx, common.HexToHash(sweep.TxHash))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Errorf("SweepConfirmer sweep %s not confirmed: %v", sweep.TxHash, err)
			continue
		}
		if !receipt.Success {
			// The sweep transaction reverted on chain. Drop the sweep row so
			// the deposit hash is free again, then requeue the deposit for a
			// fresh sweep next cycle.
			log.Errorf("Sweep tx %s reverted on chain, requeueing deposit %s", sweep.TxHash, sweep.DepositTxHash)
			if err := c.state.DeleteSweep(sweep.ID); err != nil {
				log.Errorf("SweepConfirmer failed to drop reverted sweep %s: %v", sweep.TxHash, err)
				continue
			}
			if err := c.state.RevertDepositToPending(sweep.DepositTxHash); err != nil {
				log.Errorf("SweepConfirmer failed to revert deposit %s: %v", sweep.DepositTxHash, err)
			}
			continue
		}

		if err := c.state.MarkDepositProcessed(sweep.DepositTxHash, sweep.TxHash); err != nil {
			log.Errorf("SweepConfirmer failed to finalize deposit %s: %v", sweep.DepositTxHash, err)
			continue
		}
		if err := c.state.MarkSweepProcessed(sweep.ID); err != nil {
			log.Errorf("SweepConfirmer failed to finalize sweep %s: %v", sweep.TxHash, err)
			continue
		}
		metrics.SweepsConfirmed.Inc()
		log.Infof("Sweep tx %s confirmed at block %d", sweep.TxHash, receipt.BlockNumber)
	}
}
