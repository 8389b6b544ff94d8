package db

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/custodyhub/evm-sweeper/internal/config"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type DatabaseManager struct {
	ledgerDb *gorm.DB
}

func NewDatabaseManager() *DatabaseManager {
	dm := &DatabaseManager{}
	dm.initDB()
	return dm
}

// initDB opens the ledger store. A mysql:// DSN selects the production MySQL
// driver; otherwise a local sqlite file under DB_DIR is used.
func (dm *DatabaseManager) initDB() {
	var dialector gorm.Dialector
	if dsn := config.AppConfig.DbDSN; dsn != "" {
		dialector = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
		log.Debugf("Ledger database using mysql")
	} else {
		dbDir := config.AppConfig.DbDir
		if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
			log.Fatalf("Failed to create database directory: %v", err)
		}
		ledgerPath := filepath.Join(dbDir, "ledger.db")
		dialector = sqlite.Open(ledgerPath + "?_journal_mode=WAL&_busy_timeout=5000")
		log.Debugf("Ledger database using sqlite, path: %s", ledgerPath)
	}

	ledgerDb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("Failed to connect to ledger database: %v", err)
	}
	dm.ledgerDb = ledgerDb

	dm.autoMigrate()
	log.Debugf("Database migration completed successfully")
}

func (dm *DatabaseManager) GetLedgerDB() *gorm.DB {
	return dm.ledgerDb
}
