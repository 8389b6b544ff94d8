package notifier

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/ledger"
	"github.com/custodyhub/evm-sweeper/internal/metrics"
	"github.com/custodyhub/evm-sweeper/internal/state"
)

// MaxNotifications caps how many times one sweep is reported to the external
// ledger. Past the cap a sweep drops out of the selection for good; this is
// a designed cut-off, surfaced through metrics rather than raised as an
// error.
const MaxNotifications = 5

const networkName = "evm"

// NotificationPublisher reports confirmed, unreported sweeps to the external
// accounting ledger in one batch per cycle.
type NotificationPublisher struct {
	state  *state.State
	ledger *ledger.Client
}

func NewNotificationPublisher(st *state.State, client *ledger.Client) *NotificationPublisher {
	return &NotificationPublisher{state: st, ledger: client}
}

func (n *NotificationPublisher) Start(ctx context.Context) {
	ticker := time.NewTicker(config.AppConfig.NotifyInterval)
	defer ticker.Stop()

	log.Info("NotificationPublisher started")
	for {
		select {
		case <-ctx.Done():
			log.Info("NotificationPublisher stopped")
			return
		case <-ticker.C:
			n.NotifyOnce(ctx)
		}
	}
}

// NotifyOnce submits one batch. On failure the batch is left untouched: no
// counts move, and the same sweeps are retried next cycle.
func (n *NotificationPublisher) NotifyOnce(ctx context.Context) {
	if capped, err := n.state.CountSweepsAtNotificationCap(MaxNotifications); err == nil {
		metrics.NotificationsCapped.Set(float64(capped))
	}

	sweeps, err := n.state.FindSweepsForNotification(MaxNotifications)
	if err != nil {
		log.Errorf("NotificationPublisher failed to fetch sweeps: %v", err)
		return
	}
	if len(sweeps) == 0 {
		return
	}

	deposits := make([]ledger.SweepNotification, 0, len(sweeps))
	for _, sweep := range sweeps {
		deposits = append(deposits, ledger.SweepNotification{
			Address:       sweep.Address,
			Network:       networkName,
			Currency:      sweep.CurrencyName,
			TxID:          sweep.DepositTxHash,
			Amount:        sweep.Amount,
			Confirmations: sweep.CoreNotifications + 1,
		})
	}

	if err := n.ledger.NotifySweeps(ctx, deposits); err != nil {
		log.Errorf("NotificationPublisher failed to post %d sweeps: %v", len(deposits), err)
		return
	}
	log.Infof("NotificationPublisher posted %d sweeps", len(deposits))

	for _, sweep := range sweeps {
		if err := n.state.IncrementCoreNotifications(sweep.ID); err != nil {
			log.Errorf("NotificationPublisher failed to count notification for sweep %d: %v", sweep.ID, err)
		}
	}
	metrics.NotificationsSent.Add(float64(len(sweeps)))
}
