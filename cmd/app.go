package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/custodyhub/evm-sweeper/internal/chain"
	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/http"
	"github.com/custodyhub/evm-sweeper/internal/keystore"
	"github.com/custodyhub/evm-sweeper/internal/ledger"
	"github.com/custodyhub/evm-sweeper/internal/notifier"
	"github.com/custodyhub/evm-sweeper/internal/provisioner"
	"github.com/custodyhub/evm-sweeper/internal/refund"
	"github.com/custodyhub/evm-sweeper/internal/scanner"
	"github.com/custodyhub/evm-sweeper/internal/state"
	"github.com/custodyhub/evm-sweeper/internal/sweeper"
)

type Application struct {
	DatabaseManager       *db.DatabaseManager
	State                 *state.State
	HTTPServer            *http.HTTPServerImpl
	AddressProvisioner    *provisioner.AddressProvisioner
	TransferScanner       *scanner.TransferScanner
	SweepOrchestrator     *sweeper.SweepOrchestrator
	SweepConfirmer        *sweeper.SweepConfirmer
	GasRefundReconciler   *refund.GasRefundReconciler
	NotificationPublisher *notifier.NotificationPublisher
}

func NewApplication() *Application {
	config.InitConfig()

	ethClient := chain.DialEthClient()
	dbm := db.NewDatabaseManager()
	state := state.InitializeState(dbm)

	keys, err := keystore.New(config.AppConfig.KeystorePassphrase)
	if err != nil {
		log.Fatalf("Failed to initialize keystore: %v", err)
	}
	creds, err := ledger.NewCredentialProvider(config.AppConfig.LedgerAdminKeys, config.AppConfig.LedgerProcessorKeys)
	if err != nil {
		log.Fatalf("Failed to initialize ledger credentials: %v", err)
	}
	ledgerClient := ledger.NewClient(creds)
	waiter := chain.NewConfirmationWaiter(ethClient)

	return &Application{
		DatabaseManager:       dbm,
		State:                 state,
		HTTPServer:            http.NewHTTPServer(state, creds),
		AddressProvisioner:    provisioner.NewAddressProvisioner(state, ethClient, ledgerClient, keys),
		TransferScanner:       scanner.NewTransferScanner(state, ethClient),
		SweepOrchestrator:     sweeper.NewSweepOrchestrator(state, ethClient, waiter, keys),
		SweepConfirmer:        sweeper.NewSweepConfirmer(state, waiter),
		GasRefundReconciler:   refund.NewGasRefundReconciler(state, ethClient, waiter, keys),
		NotificationPublisher: notifier.NewNotificationPublisher(state, ledgerClient),
	}
}

func (app *Application) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.AddressProvisioner.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.TransferScanner.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.SweepOrchestrator.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.SweepConfirmer.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.GasRefundReconciler.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.NotificationPublisher.Start(ctx)
	}()

	go app.HTTPServer.StartHTTPServer()

	<-stop
	log.Info("Receiving exit signal...")

	cancel()

	wg.Wait()
	log.Info("Server stopped")
}

var rootCmd = &cobra.Command{
	Use:   "evm-sweeper",
	Short: "Custodial deposit address and sweep engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if present
		if err := godotenv.Load(); err == nil {
			log.Info("Loaded environment from .env")
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		NewApplication().Run()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
