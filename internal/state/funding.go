package state

import (
	"time"

	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/shopspring/decimal"
)

// InsertWalletFunding records a confirmed fee-float advance to an address.
func (s *State) InsertWalletFunding(funding *db.WalletFunding) error {
	s.fundingMu.Lock()
	defer s.fundingMu.Unlock()

	funding.UpdatedAt = time.Now()
	result := s.dbm.GetLedgerDB().Create(funding)
	return result.Error
}

// FindFundingsNeedingRefund returns advances with no refund broadcast yet.
func (s *State) FindFundingsNeedingRefund() ([]db.WalletFunding, error) {
	var fundings []db.WalletFunding
	result := s.dbm.GetLedgerDB().
		Where("processed = ? AND (refund_tx_hash = '' OR refund_tx_hash IS NULL)", false).
		Order("id asc").
		Find(&fundings)
	if result.Error != nil {
		return nil, result.Error
	}
	return fundings, nil
}

// RecordRefund stores the refund broadcast outcome. The funding row stays
// unprocessed until the refund transaction confirms.
func (s *State) RecordRefund(id uint, refundTxHash string, amountReturned decimal.Decimal) error {
	result := s.dbm.GetLedgerDB().Model(&db.WalletFunding{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"refund_tx_hash":  refundTxHash,
			"amount_returned": amountReturned,
			"updated_at":      time.Now(),
		})
	return result.Error
}

// FindFundingsAwaitingRefundConfirm returns advances whose refund was
// broadcast but not yet confirmed.
func (s *State) FindFundingsAwaitingRefundConfirm() ([]db.WalletFunding, error) {
	var fundings []db.WalletFunding
	result := s.dbm.GetLedgerDB().
		Where("processed = ? AND refund_tx_hash <> ''", false).
		Order("id asc").
		Find(&fundings)
	if result.Error != nil {
		return nil, result.Error
	}
	return fundings, nil
}

func (s *State) MarkFundingProcessed(id uint) error {
	result := s.dbm.GetLedgerDB().Model(&db.WalletFunding{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":  true,
			"updated_at": time.Now(),
		})
	return result.Error
}

func (s *State) CountFundingsByProcessed(processed bool) (int64, error) {
	var count int64
	result := s.dbm.GetLedgerDB().Model(&db.WalletFunding{}).
		Where("processed = ?", processed).
		Count(&count)
	if result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}
