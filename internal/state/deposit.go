package state

import (
	"errors"
	"time"

	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/types"
	"gorm.io/gorm"
)

// RecordDeposit inserts an observed transfer as a pending deposit. Ingestion
// is idempotent on the transaction hash: re-observing a transfer in a later
// scan cycle is a no-op. Returns whether a new row was created.
func (s *State) RecordDeposit(deposit *db.Deposit) (bool, error) {
	s.depositMu.Lock()
	defer s.depositMu.Unlock()

	_, err := s.queryDepositByTxHash(deposit.TxHash)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	deposit.Status = db.DepositStatusPending
	deposit.UpdatedAt = time.Now()
	result := s.dbm.GetLedgerDB().Create(deposit)
	if result.Error != nil {
		// Lost a race against a concurrent scan; the row exists, which is
		// all idempotent ingestion promises.
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, result.Error
	}
	return true, nil
}

func (s *State) FindDepositByTxHash(txHash string) (*db.Deposit, error) {
	return s.queryDepositByTxHash(txHash)
}

// FindPendingDeposits returns unprocessed deposits for one custody address.
func (s *State) FindPendingDeposits(address string) ([]db.Deposit, error) {
	var deposits []db.Deposit
	result := s.dbm.GetLedgerDB().
		Where("to_address = ? AND status = ?", address, db.DepositStatusPending).
		Order("id asc").
		Find(&deposits)
	if result.Error != nil {
		return nil, result.Error
	}
	return deposits, nil
}

// MarkDepositSweeping flags a deposit in flight before the sweep broadcast.
// The WHERE guard on the pending status is the double-sweep barrier: if the
// deposit is already in flight or processed the update matches nothing and
// the caller gets an invariant violation instead of a second broadcast.
func (s *State) MarkDepositSweeping(txHash string) error {
	result := s.dbm.GetLedgerDB().Model(&db.Deposit{}).
		Where("tx_hash = ? AND status = ?", txHash, db.DepositStatusPending).
		Updates(map[string]interface{}{
			"status":     db.DepositStatusSweeping,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrInvariantViolation
	}
	return nil
}

// RevertDepositToPending puts a deposit back in the sweep queue after a
// failed broadcast.
func (s *State) RevertDepositToPending(txHash string) error {
	result := s.dbm.GetLedgerDB().Model(&db.Deposit{}).
		Where("tx_hash = ?", txHash).
		Updates(map[string]interface{}{
			"status":     db.DepositStatusPending,
			"process_tx": "",
			"updated_at": time.Now(),
		})
	return result.Error
}

// MarkDepositProcessed finalizes a deposit once its sweep confirmed,
// recording the sweep transaction that consumed it.
func (s *State) MarkDepositProcessed(txHash, processTx string) error {
	result := s.dbm.GetLedgerDB().Model(&db.Deposit{}).
		Where("tx_hash = ?", txHash).
		Updates(map[string]interface{}{
			"status":     db.DepositStatusProcessed,
			"process_tx": processTx,
			"updated_at": time.Now(),
		})
	return result.Error
}

func (s *State) CountDepositsByStatus(status string) (int64, error) {
	var count int64
	result := s.dbm.GetLedgerDB().Model(&db.Deposit{}).
		Where("status = ?", status).
		Count(&count)
	if result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}

func (s *State) queryDepositByTxHash(txHash string) (*db.Deposit, error) {
	var deposit db.Deposit
	result := s.dbm.GetLedgerDB().Where("tx_hash = ?", txHash).First(&deposit)
	if result.Error != nil {
		return nil, result.Error
	}
	return &deposit, nil
}
