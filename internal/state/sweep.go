package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/types"
	"gorm.io/gorm"
)

// InsertSweep persists one consolidation transaction. The unique index on the
// deposit hash enforces sweep-at-most-once at the database level; a conflict
// surfaces as an invariant violation rather than being ignored.
func (s *State) InsertSweep(sweep *db.Sweep) error {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	sweep.UpdatedAt = time.Now()
	result := s.dbm.GetLedgerDB().Create(sweep)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("sweep for deposit %s already recorded: %w",
				sweep.DepositTxHash, types.ErrInvariantViolation)
		}
		return result.Error
	}
	return nil
}

// AttachSweepToFunding links a sweep to the fee-float advance that paid for
// its gas. The refund reconciler walks these links to decide when an advance
// is fully discharged.
func (s *State) AttachSweepToFunding(sweepID, fundingID uint) error {
	link := &db.WalletFundingSweep{
		WalletFundingID: fundingID,
		SweepID:         sweepID,
		CreatedAt:       time.Now(),
	}
	result := s.dbm.GetLedgerDB().Create(link)
	return result.Error
}

// FindUnprocessedSweeps returns broadcast sweeps whose confirmation has not
// been observed yet.
func (s *State) FindUnprocessedSweeps() ([]db.Sweep, error) {
	var sweeps []db.Sweep
	result := s.dbm.GetLedgerDB().
		Where("processed = ?", false).
		Order("id asc").
		Find(&sweeps)
	if result.Error != nil {
		return nil, result.Error
	}
	return sweeps, nil
}

// DeleteSweep removes a sweep whose transaction reverted on chain, together
// with its funding links. This frees the deposit hash for a fresh sweep.
func (s *State) DeleteSweep(id uint) error {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if err := s.dbm.GetLedgerDB().
		Where("sweep_id = ?", id).
		Delete(&db.WalletFundingSweep{}).Error; err != nil {
		return err
	}
	return s.dbm.GetLedgerDB().Delete(&db.Sweep{}, id).Error
}

func (s *State) MarkSweepProcessed(id uint) error {
	result := s.dbm.GetLedgerDB().Model(&db.Sweep{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":  true,
			"updated_at": time.Now(),
		})
	return result.Error
}

// FindSweepsForNotification selects confirmed sweeps still owed to the
// external ledger. The notification cap is a designed cut-off: a sweep past
// it is excluded silently and only visible through observability.
func (s *State) FindSweepsForNotification(maxNotifications int) ([]db.Sweep, error) {
	var sweeps []db.Sweep
	result := s.dbm.GetLedgerDB().
		Where("processed = ? AND core_notifications < ?", true, maxNotifications).
		Order("id asc").
		Find(&sweeps)
	if result.Error != nil {
		return nil, result.Error
	}
	return sweeps, nil
}

func (s *State) IncrementCoreNotifications(id uint) error {
	result := s.dbm.GetLedgerDB().Model(&db.Sweep{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"core_notifications": gorm.Expr("core_notifications + 1"),
			"updated_at":         time.Now(),
		})
	return result.Error
}

// FindSweepsByFundingID resolves the sweeps financed by one funding advance.
func (s *State) FindSweepsByFundingID(fundingID uint) ([]db.Sweep, error) {
	var links []db.WalletFundingSweep
	result := s.dbm.GetLedgerDB().
		Where("wallet_funding_id = ?", fundingID).
		Find(&links)
	if result.Error != nil {
		return nil, result.Error
	}

	sweeps := make([]db.Sweep, 0, len(links))
	for _, link := range links {
		var sweep db.Sweep
		result := s.dbm.GetLedgerDB().Where("id = ?", link.SweepID).First(&sweep)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				// A dangling link means the sweep row is missing; the
				// reconciler treats that as not-yet-discharged.
				continue
			}
			return nil, result.Error
		}
		sweeps = append(sweeps, sweep)
	}
	if len(sweeps) != len(links) {
		return sweeps, types.ErrInvariantViolation
	}
	return sweeps, nil
}

// CountSweepsAtNotificationCap counts confirmed sweeps permanently excluded
// from further ledger reports.
func (s *State) CountSweepsAtNotificationCap(maxNotifications int) (int64, error) {
	var count int64
	result := s.dbm.GetLedgerDB().Model(&db.Sweep{}).
		Where("processed = ? AND core_notifications >= ?", true, maxNotifications).
		Count(&count)
	if result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}

func (s *State) CountSweepsByProcessed(processed bool) (int64, error) {
	var count int64
	result := s.dbm.GetLedgerDB().Model(&db.Sweep{}).
		Where("processed = ?", processed).
		Count(&count)
	if result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}
