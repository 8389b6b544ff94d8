package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DepositsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_deposits_recorded_total",
		Help: "Deposits newly recorded by the transfer scanner.",
	})
	ScanErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_scan_errors_total",
		Help: "Per-address scan failures; the scan loop continues past them.",
	})
	SweepsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_sweeps_broadcast_total",
		Help: "Sweep transactions broadcast to cold storage.",
	})
	SweepsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_sweeps_confirmed_total",
		Help: "Sweep transactions with an observed receipt.",
	})
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_sweep_errors_total",
		Help: "Failed sweep attempts, including funding failures.",
	})
	RefundsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_refunds_broadcast_total",
		Help: "Gas refund transactions broadcast to the operating wallet.",
	})
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_notifications_sent_total",
		Help: "Sweeps successfully reported to the external ledger.",
	})
	NotificationsCapped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sweeper_notifications_capped",
		Help: "Sweeps permanently excluded after exhausting notification attempts.",
	})
	AddressesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_addresses_generated_total",
		Help: "Deposit addresses generated into the unused pool.",
	})
	AddressesAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_addresses_assigned_total",
		Help: "Deposit addresses assigned to customer requests.",
	})
)
