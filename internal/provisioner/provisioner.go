package provisioner

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	"github.com/custodyhub/evm-sweeper/internal/chain"
	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/keystore"
	"github.com/custodyhub/evm-sweeper/internal/ledger"
	"github.com/custodyhub/evm-sweeper/internal/metrics"
	"github.com/custodyhub/evm-sweeper/internal/state"
	"github.com/custodyhub/evm-sweeper/internal/types"
)

// AddressProvisioner serves the external ledger's demand for deposit
// addresses out of a pre-generated pool, and refills the pool in the
// background when it runs dry.
type AddressProvisioner struct {
	state  *state.State
	chain  chain.Client
	ledger *ledger.Client
	keys   *keystore.Keystore

	generating atomic.Bool
}

func NewAddressProvisioner(st *state.State, client chain.Client, ledgerClient *ledger.Client, keys *keystore.Keystore) *AddressProvisioner {
	return &AddressProvisioner{state: st, chain: client, ledger: ledgerClient, keys: keys}
}

func (p *AddressProvisioner) Start(ctx context.Context) {
	ticker := time.NewTicker(config.AppConfig.ProvisionInterval)
	defer ticker.Stop()

	log.Info("AddressProvisioner started")
	for {
		select {
		case <-ctx.Done():
			log.Info("AddressProvisioner stopped")
			return
		case <-ticker.C:
			p.ProvisionOnce(ctx)
		}
	}
}

// ProvisionOnce assigns one pooled address per pending request. When the
// pool runs out mid-batch it kicks off asynchronous generation and stops;
// unserved requests come back on the ledger's next poll.
func (p *AddressProvisioner) ProvisionOnce(ctx context.Context) {
	requests, err := p.ledger.PendingAddressRequests(ctx)
	if err != nil {
		log.Errorf("AddressProvisioner failed to fetch address requests: %v", err)
		return
	}
	if len(requests) == 0 {
		return
	}

	addressMap := make(map[string]string)
	for _, request := range requests {
		addr, err := p.state.ClaimOldestUnused()
		if err != nil {
			if errors.Is(err, types.ErrAddressPoolExhausted) {
				log.Warnf("AddressProvisioner pool exhausted, generating a new batch")
				go p.GenerateBatch(context.WithoutCancel(ctx), config.AppConfig.AddressBatchSize)
				break
			}
			log.Errorf("AddressProvisioner failed to claim an address: %v", err)
			break
		}
		addressMap[request.ID] = addr.Address
		metrics.AddressesAssigned.Inc()
	}

	if len(addressMap) == 0 {
		log.Debug("AddressProvisioner no addresses to set")
		return
	}
	if err := p.ledger.SubmitAddresses(ctx, addressMap); err != nil {
		log.Errorf("AddressProvisioner failed to submit %d addresses: %v", len(addressMap), err)
		return
	}
	log.Infof("AddressProvisioner assigned %d addresses", len(addressMap))
}

// GenerateBatch creates a fresh batch of keypairs and pools them UNUSED.
// LastSeenBlock starts at the current height: backlog scans for a brand-new
// address begin at its creation point, never at genesis. Only one generation
// runs at a time.
func (p *AddressProvisioner) GenerateBatch(ctx context.Context, count int) {
	if !p.generating.CompareAndSwap(false, true) {
		log.Debug("AddressProvisioner generation already in progress")
		return
	}
	defer p.generating.Store(false)

	height, err := p.chain.BlockNumber(ctx)
	if err != nil {
		log.Errorf("AddressProvisioner failed to read chain height: %v", err)
		return
	}
	log.Infof("AddressProvisioner generating %d addresses from block %d", count, height)

	now := time.Now()
	addresses := make([]*db.DepositAddress, 0, count)
	for i := 0; i < count; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Errorf("AddressProvisioner failed to generate key: %v", err)
			return
		}
		sealed, err := p.keys.Seal(key)
		if err != nil {
			log.Errorf("AddressProvisioner failed to seal key: %v", err)
			return
		}
		addresses = append(addresses, &db.DepositAddress{
			Address:       strings.ToLower(chain.DeriveAddress(key).Hex()),
			EncryptedKey:  sealed,
			Status:        db.AddressStatusUnused,
			LastSeenBlock: height,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := p.state.InsertAddresses(addresses); err != nil {
		log.Errorf("AddressProvisioner failed to store generated addresses: %v", err)
		return
	}
	metrics.AddressesGenerated.Add(float64(len(addresses)))
	log.Infof("AddressProvisioner pooled %d new addresses", len(addresses))
}
