package state

import (
	"time"

	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InsertAddresses stores a freshly generated address batch. New rows are
// UNUSED with no lease; LastSeenBlock is the chain height at generation time
// so the first scan starts from the creation point, not genesis.
func (s *State) InsertAddresses(addresses []*db.DepositAddress) error {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()

	result := s.dbm.GetLedgerDB().Create(addresses)
	if result.Error != nil {
		log.Errorf("State InsertAddresses error: %v", result.Error)
		return result.Error
	}
	return nil
}

// FetchUsedAddresses returns every address assigned to a customer request.
func (s *State) FetchUsedAddresses() ([]db.DepositAddress, error) {
	var addresses []db.DepositAddress
	result := s.dbm.GetLedgerDB().
		Where("status = ?", db.AddressStatusUsed).
		Order("id asc").
		Find(&addresses)
	if result.Error != nil {
		return nil, result.Error
	}
	return addresses, nil
}

func (s *State) GetAddress(address string) (*db.DepositAddress, error) {
	var addr db.DepositAddress
	result := s.dbm.GetLedgerDB().Where("address = ?", address).First(&addr)
	if result.Error != nil {
		return nil, result.Error
	}
	return &addr, nil
}

// ClaimAddress takes the per-address processing lease with a single atomic
// read-modify-write. It succeeds when the address holds no lease or the
// previous lease has expired, and returns the token a release must present.
// A failed claim means another cycle owns the address right now.
func (s *State) ClaimAddress(address string, lease time.Duration) (string, bool, error) {
	token := uuid.NewString()
	now := time.Now()

	result := s.dbm.GetLedgerDB().Model(&db.DepositAddress{}).
		Where("address = ? AND (lease_token = '' OR lease_expires_at < ?)", address, now).
		Updates(map[string]interface{}{
			"lease_token":      token,
			"lease_expires_at": now.Add(lease),
			"updated_at":       now,
		})
	if result.Error != nil {
		return "", false, result.Error
	}
	if result.RowsAffected == 0 {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseAddress clears the lease. The matching token is required so a task
// whose lease expired cannot release a claim someone else has since taken.
func (s *State) ReleaseAddress(address, token string) error {
	result := s.dbm.GetLedgerDB().Model(&db.DepositAddress{}).
		Where("address = ? AND lease_token = ?", address, token).
		Updates(map[string]interface{}{
			"lease_token":      "",
			"lease_expires_at": time.Time{},
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		log.Errorf("State ReleaseAddress %s error: %v", address, result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		log.Warnf("State ReleaseAddress %s: lease token no longer held", address)
	}
	return nil
}

// UpdateLastSeenBlock advances the scan cursor after a completed scan pass.
func (s *State) UpdateLastSeenBlock(address string, height uint64) error {
	result := s.dbm.GetLedgerDB().Model(&db.DepositAddress{}).
		Where("address = ?", address).
		Updates(map[string]interface{}{
			"last_seen_block": height,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ClaimOldestUnused atomically assigns the oldest UNUSED address: the status
// flips to USED exactly once. Returns ErrAddressPoolExhausted when the pool
// is empty.
func (s *State) ClaimOldestUnused() (*db.DepositAddress, error) {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()

	// Optimistic claim loop: the WHERE status guard makes the flip atomic,
	// a lost race just moves on to the next candidate.
	for attempt := 0; attempt < 3; attempt++ {
		var candidate db.DepositAddress
		result := s.dbm.GetLedgerDB().
			Where("status = ?", db.AddressStatusUnused).
			Order("created_at asc, id asc").
			First(&candidate)
		if result.Error != nil {
			if result.Error == gorm.ErrRecordNotFound {
				return nil, types.ErrAddressPoolExhausted
			}
			return nil, result.Error
		}

		update := s.dbm.GetLedgerDB().Model(&db.DepositAddress{}).
			Where("id = ? AND status = ?", candidate.ID, db.AddressStatusUnused).
			Updates(map[string]interface{}{
				"status":     db.AddressStatusUsed,
				"updated_at": time.Now(),
			})
		if update.Error != nil {
			return nil, update.Error
		}
		if update.RowsAffected == 1 {
			candidate.Status = db.AddressStatusUsed
			return &candidate, nil
		}
	}
	return nil, types.ErrAddressPoolExhausted
}

func (s *State) CountUnusedAddresses() (int64, error) {
	var count int64
	result := s.dbm.GetLedgerDB().Model(&db.DepositAddress{}).
		Where("status = ?", db.AddressStatusUnused).
		Count(&count)
	if result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}
