package store

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"bgg-roller/internal/models"
)

const inMemorySQLiteDSN = ":memory:"

var gormConfig = &gorm.Config{
	Logger: logger.Default.LogMode(logger.Silent),
}

// RelayHealth is one row of the relay_health table.
type RelayHealth struct {
	Name                string `gorm:"primaryKey"`
	SuccessCount        int
	FailureCount        int
	ConsecutiveFailures int
	LastCheck           *time.Time
	LastSuccess         *time.Time
	UpdatedAt           time.Time
}

func (RelayHealth) TableName() string { return "relay_health" }

// SQLStore keeps one row per relay in SQLite.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens (or creates) dir/filename.
func OpenSQLStore(dir, filename string) (*SQLStore, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory: %s", dir)
	}
	dsn := fmt.Sprintf("%s/%s?_journal_mode=WAL&_busy_timeout=5000", dir, filename)
	return openSQLite(dsn)
}

func OpenInMemorySQLStore() (*SQLStore, error) {
	return openSQLite(inMemorySQLiteDSN)
}

func openSQLite(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	// a second connection to :memory: would see an empty database
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.AutoMigrate(&RelayHealth{}); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to auto-migrate relay_health")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) LoadHealth() (map[string]models.EndpointHealth, error) {
	var rows []RelayHealth
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query relay health")
	}

	health := make(map[string]models.EndpointHealth, len(rows))
	for _, row := range rows {
		health[row.Name] = models.EndpointHealth{
			SuccessCount:        row.SuccessCount,
			FailureCount:        row.FailureCount,
			ConsecutiveFailures: row.ConsecutiveFailures,
			LastCheck:           row.LastCheck,
			LastSuccess:         row.LastSuccess,
		}
	}
	return health, nil
}

func (s *SQLStore) SaveHealth(health map[string]models.EndpointHealth) error {
	if len(health) == 0 {
		return nil
	}

	rows := make([]RelayHealth, 0, len(health))
	for name, h := range health {
		rows = append(rows, RelayHealth{
			Name:                name,
			SuccessCount:        h.SuccessCount,
			FailureCount:        h.FailureCount,
			ConsecutiveFailures: h.ConsecutiveFailures,
			LastCheck:           h.LastCheck,
			LastSuccess:         h.LastSuccess,
		})
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	})
	return errors.Wrap(err, "failed to save relay health")
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "failed to close database connection")
}
