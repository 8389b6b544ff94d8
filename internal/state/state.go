package state

import (
	"sync"

	"github.com/custodyhub/evm-sweeper/internal/db"
)

// State is the repository layer over the ledger store. Engine components keep
// no cross-cycle in-memory state; every decision is re-derived from the
// database, which is what makes overlapping scheduled runs safe.
type State struct {
	dbm *db.DatabaseManager

	addrMu    sync.Mutex
	depositMu sync.Mutex
	sweepMu   sync.Mutex
	fundingMu sync.Mutex
}

func InitializeState(dbm *db.DatabaseManager) *State {
	return &State{dbm: dbm}
}
