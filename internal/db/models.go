package db

import (
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	AddressStatusUnused = "UNUSED"
	AddressStatusUsed   = "USED"
)

const (
	// DepositStatusPending: observed on chain, not yet swept.
	DepositStatusPending = "pending"
	// DepositStatusSweeping: a sweep transaction is in flight. Set before the
	// broadcast so a concurrent cycle cannot pick the deposit up again.
	DepositStatusSweeping = "sweeping"
	// DepositStatusProcessed: the sweep transaction confirmed.
	DepositStatusProcessed = "processed"
)

// DepositAddress is an address under custody. EncryptedKey holds the age
// ciphertext of the signing key; the clear key never touches the database or
// the logs. The lease columns implement per-address mutual exclusion: a claim
// writes a fresh token plus expiry, a release must present the same token.
type DepositAddress struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Address        string    `gorm:"not null;uniqueIndex" json:"address"`
	EncryptedKey   []byte    `gorm:"not null" json:"-"`
	Status         string    `gorm:"not null;index" json:"status"` // "UNUSED", "USED"
	LeaseToken     string    `gorm:"not null;default:''" json:"lease_token"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	LastSeenBlock  uint64    `gorm:"not null" json:"last_seen_block"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

// Deposit is one observed incoming transfer. TxHash is unique: a transfer is
// recorded at most once no matter how many scan cycles observe it.
type Deposit struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	BlockNumber     uint64          `gorm:"not null" json:"block_number"`
	FromAddress     string          `gorm:"not null" json:"from_address"`
	ToAddress       string          `gorm:"not null;index" json:"to_address"`
	CurrencyAddress string          `gorm:"not null" json:"currency_address"` // native symbol or token contract
	CurrencyName    string          `gorm:"not null" json:"currency_name"`
	TxHash          string          `gorm:"not null;uniqueIndex" json:"tx_hash"`
	ProcessTx       string          `json:"process_tx"` // sweep tx that consumed this deposit
	Status          string          `gorm:"not null;index" json:"status"`
	Amount          decimal.Decimal `gorm:"type:decimal(38,18);not null" json:"amount"`
	AmountRaw       string          `gorm:"not null" json:"amount_raw"` // integer chain units
	UpdatedAt       time.Time       `gorm:"not null" json:"updated_at"`
}

// Sweep is one consolidation transaction to cold storage. Both the sweep tx
// hash and the source deposit hash are unique; a deposit is swept at most
// once and a conflicting insert is an invariant violation, not a no-op.
type Sweep struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	Address           string          `gorm:"not null;index" json:"address"`
	Amount            decimal.Decimal `gorm:"type:decimal(38,18);not null" json:"amount"`
	AmountRaw         string          `gorm:"not null" json:"amount_raw"`
	TxHash            string          `gorm:"not null;uniqueIndex" json:"tx_hash"`
	DepositTxHash     string          `gorm:"not null;uniqueIndex" json:"deposit_tx_hash"`
	CurrencyName      string          `gorm:"not null" json:"currency_name"`
	CurrencyAddress   string          `gorm:"not null" json:"currency_address"`
	BlockNumber       uint64          `gorm:"not null" json:"block_number"`
	CoreNotifications int             `gorm:"not null;default:0" json:"core_notifications"`
	Processed         bool            `gorm:"not null;default:false" json:"processed"`
	UpdatedAt         time.Time       `gorm:"not null" json:"updated_at"`
}

// WalletFunding is one fee-float advance to a deposit address. Processed
// flips true only after the refund transaction confirms.
type WalletFunding struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	WalletAddress  string          `gorm:"not null;index" json:"wallet_address"`
	AmountFunded   decimal.Decimal `gorm:"type:decimal(38,18);not null" json:"amount_funded"`
	AmountReturned decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount_returned"`
	TxHash         string          `gorm:"not null" json:"tx_hash"`
	RefundTxHash   string          `json:"refund_tx_hash"`
	Processed      bool            `gorm:"not null;default:false" json:"processed"`
	UpdatedAt      time.Time       `gorm:"not null" json:"updated_at"`
}

// WalletFundingSweep links a funding advance to the sweeps it financed.
type WalletFundingSweep struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	WalletFundingID uint      `gorm:"not null;index" json:"wallet_funding_id"`
	SweepID         uint      `gorm:"not null;index" json:"sweep_id"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
}

func (dm *DatabaseManager) autoMigrate() {
	if err := dm.ledgerDb.AutoMigrate(
		&DepositAddress{},
		&Deposit{},
		&Sweep{},
		&WalletFunding{},
		&WalletFundingSweep{},
	); err != nil {
		log.Fatalf("Failed to migrate ledger database: %v", err)
	}
}
