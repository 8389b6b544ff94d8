package config

import (
	"crypto/ecdsa"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var AppConfig Config

func InitConfig() {
	viper.AutomaticEnv()

	// Default config
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("CHAIN_RPC", "http://localhost:8545")
	viper.SetDefault("CHAIN_ID", 1)
	viper.SetDefault("DB_DIR", "/app/db")
	viper.SetDefault("DB_DSN", "")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("COLD_STORAGE_ADDRESS", "")
	viper.SetDefault("OPERATING_PRIVATE_KEY", "")
	viper.SetDefault("ALLOWED_TOKENS", "")
	viper.SetDefault("GAS_FUND_AMOUNT", "0.02")
	viper.SetDefault("ESTIMATED_GAS_FEE", "0.002")
	viper.SetDefault("MIN_NATIVE_DEPOSIT", "0.001")
	viper.SetDefault("CONFIRM_ATTEMPTS", 250)
	viper.SetDefault("CONFIRM_INTERVAL", "5s")
	viper.SetDefault("SCAN_INTERVAL", "60s")
	viper.SetDefault("SWEEP_INTERVAL", "60s")
	viper.SetDefault("REFUND_INTERVAL", "60s")
	viper.SetDefault("NOTIFY_INTERVAL", "60s")
	viper.SetDefault("PROVISION_INTERVAL", "15s")
	viper.SetDefault("PROCESSING_LEASE", "10m")
	viper.SetDefault("ADDRESS_BATCH_SIZE", 10)
	viper.SetDefault("KEYSTORE_PASSPHRASE", "")
	viper.SetDefault("LEDGER_URL", "")
	viper.SetDefault("LEDGER_ADMIN_KEYS", "")
	viper.SetDefault("LEDGER_PROCESSOR_KEYS", "")

	logLevel, err := logrus.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}

	var operatingKey *ecdsa.PrivateKey
	operatingAddress := common.Address{}
	if raw := viper.GetString("OPERATING_PRIVATE_KEY"); raw != "" {
		operatingKey, err = crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			logrus.Fatalf("Failed to parse operating wallet key: %v", err)
		}
		operatingAddress = crypto.PubkeyToAddress(operatingKey.PublicKey)
	}

	gasFundAmount, err := decimal.NewFromString(viper.GetString("GAS_FUND_AMOUNT"))
	if err != nil {
		logrus.Fatalf("Failed to parse GAS_FUND_AMOUNT: %v", err)
	}
	estimatedGasFee, err := decimal.NewFromString(viper.GetString("ESTIMATED_GAS_FEE"))
	if err != nil {
		logrus.Fatalf("Failed to parse ESTIMATED_GAS_FEE: %v", err)
	}
	minNativeDeposit, err := decimal.NewFromString(viper.GetString("MIN_NATIVE_DEPOSIT"))
	if err != nil {
		logrus.Fatalf("Failed to parse MIN_NATIVE_DEPOSIT: %v", err)
	}

	allowedTokens := make(map[common.Address]bool)
	for _, token := range strings.Split(viper.GetString("ALLOWED_TOKENS"), ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		allowedTokens[common.HexToAddress(token)] = true
	}

	AppConfig = Config{
		HTTPPort:            viper.GetString("HTTP_PORT"),
		ChainRPC:            viper.GetString("CHAIN_RPC"),
		ChainId:             viper.GetInt64("CHAIN_ID"),
		DbDir:               viper.GetString("DB_DIR"),
		DbDSN:               viper.GetString("DB_DSN"),
		LogLevel:            logLevel,
		ColdStorageAddress:  common.HexToAddress(viper.GetString("COLD_STORAGE_ADDRESS")),
		OperatingKey:        operatingKey,
		OperatingAddress:    operatingAddress,
		AllowedTokens:       allowedTokens,
		GasFundAmount:       gasFundAmount,
		EstimatedGasFee:     estimatedGasFee,
		MinNativeDeposit:    minNativeDeposit,
		ConfirmAttempts:     viper.GetInt("CONFIRM_ATTEMPTS"),
		ConfirmInterval:     viper.GetDuration("CONFIRM_INTERVAL"),
		ScanInterval:        viper.GetDuration("SCAN_INTERVAL"),
		SweepInterval:       viper.GetDuration("SWEEP_INTERVAL"),
		RefundInterval:      viper.GetDuration("REFUND_INTERVAL"),
		NotifyInterval:      viper.GetDuration("NOTIFY_INTERVAL"),
		ProvisionInterval:   viper.GetDuration("PROVISION_INTERVAL"),
		ProcessingLease:     viper.GetDuration("PROCESSING_LEASE"),
		AddressBatchSize:    viper.GetInt("ADDRESS_BATCH_SIZE"),
		KeystorePassphrase:  viper.GetString("KEYSTORE_PASSPHRASE"),
		LedgerURL:           strings.TrimSuffix(viper.GetString("LEDGER_URL"), "/"),
		LedgerAdminKeys:     splitKeys(viper.GetString("LEDGER_ADMIN_KEYS")),
		LedgerProcessorKeys: splitKeys(viper.GetString("LEDGER_PROCESSOR_KEYS")),
	}

	logrus.Infof("Init config, ScanInterval %v, SweepInterval %v, ProcessingLease %v, OperatingAddress %s",
		AppConfig.ScanInterval, AppConfig.SweepInterval, AppConfig.ProcessingLease, AppConfig.OperatingAddress.Hex())

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(AppConfig.LogLevel)
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

type Config struct {
	HTTPPort           string
	ChainRPC           string
	ChainId            int64
	DbDir              string
	DbDSN              string
	LogLevel           logrus.Level
	ColdStorageAddress common.Address
	OperatingKey       *ecdsa.PrivateKey
	OperatingAddress   common.Address
	AllowedTokens      map[common.Address]bool

	// Amounts are denominated in whole native units, not wei.
	GasFundAmount    decimal.Decimal
	EstimatedGasFee  decimal.Decimal
	MinNativeDeposit decimal.Decimal

	ConfirmAttempts   int
	ConfirmInterval   time.Duration
	ScanInterval      time.Duration
	SweepInterval     time.Duration
	RefundInterval    time.Duration
	NotifyInterval    time.Duration
	ProvisionInterval time.Duration
	ProcessingLease   time.Duration
	AddressBatchSize  int

	KeystorePassphrase string

	LedgerURL           string
	LedgerAdminKeys     []string
	LedgerProcessorKeys []string
}

// IsTokenAllowed reports whether a token contract is on the deposit
// allow-list. Transfers of unlisted tokens are dropped silently.
func (c *Config) IsTokenAllowed(contract common.Address) bool {
	return c.AllowedTokens[contract]
}
