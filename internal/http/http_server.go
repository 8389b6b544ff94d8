package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/ledger"
	"github.com/custodyhub/evm-sweeper/internal/state"
)

type HTTPServer interface {
	StartHTTPServer()
}

type HTTPServerImpl struct {
	state *state.State
	creds *ledger.CredentialProvider
}

func NewHTTPServer(st *state.State, creds *ledger.CredentialProvider) *HTTPServerImpl {
	return &HTTPServerImpl{state: st, creds: creds}
}

func (hs *HTTPServerImpl) StartHTTPServer() {
	r := gin.Default()

	r.GET("/api/v1/health", hs.handleHealth)
	r.GET("/api/v1/status", hs.handleStatus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := ":" + config.AppConfig.HTTPPort
	log.Infof("HTTP server is running on port %s", config.AppConfig.HTTPPort)
	if err := r.Run(addr); err != nil {
		log.Fatalf("Failed to start HTTP server: %v", err)
	}
}

func (hs *HTTPServerImpl) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus reports pipeline depth at each stage plus credential usage.
func (hs *HTTPServerImpl) handleStatus(c *gin.Context) {
	unusedAddresses, err := hs.state.CountUnusedAddresses()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pendingDeposits, err := hs.state.CountDepositsByStatus(db.DepositStatusPending)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sweepingDeposits, err := hs.state.CountDepositsByStatus(db.DepositStatusSweeping)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	processedDeposits, err := hs.state.CountDepositsByStatus(db.DepositStatusProcessed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	unconfirmedSweeps, err := hs.state.CountSweepsByProcessed(false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	openFundings, err := hs.state.CountFundingsByProcessed(false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"data": gin.H{
			"unused_addresses":   unusedAddresses,
			"pending_deposits":   pendingDeposits,
			"sweeping_deposits":  sweepingDeposits,
			"processed_deposits": processedDeposits,
			"unconfirmed_sweeps": unconfirmedSweeps,
			"open_fundings":      openFundings,
			"credential_usage":   hs.creds.Usage(),
		},
	})
}
