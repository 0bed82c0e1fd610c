// Package storage persists parse settings, positions, orders, and market
// data between sync runs.
package storage

import (
	"time"

	"github.com/svenkat/orderentry/internal/models"
)

// Interface defines the contract for sync-engine persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe. The SQLite implementation relies on
// database/sql connection serialization; the mock uses a mutex.
type Interface interface {
	// Parse settings. GetParseSettings returns active settings only;
	// SaveParseSettings upserts (used for the balance refresh).
	GetParseSettings() ([]models.ParseSetting, error)
	SaveParseSettings(settings []models.ParseSetting) error

	// Positions, keyed by (broker, account, ticker).
	GetPositions(broker models.BrokerKind) ([]models.Position, error)
	InsertPositions(positions []models.Position) error
	UpdatePositions(positions []models.Position) error
	DeletePositions(positions []models.Position) (int, error)

	// Orders, keyed by (setting key, watch date).
	HasOrders(settingKey string, watchDate time.Time) (bool, error)
	GetOrders(settingKey string, watchDate time.Time) ([]models.Order, error)
	SaveOrders(orders []models.Order) error
	// UpdateOrderLegs persists broker-assigned leg identifiers so a later
	// resubmission reuses them instead of minting new broker orders.
	UpdateOrderLegs(order models.Order) error
	DeleteOrdersBefore(cutoff time.Time) (int, error)

	// Market data.
	GetMarketDay(date time.Time, ticker string) (*models.MarketDay, error)
	HasMarketDay(date time.Time, ticker string) (bool, error)
	InsertMarketDays(days []models.MarketDay) error
	IsMarketHoliday(date time.Time) (bool, error)
	SaveOptionContracts(contracts []models.OptionContract) error

	Close() error
}

// Ensure both implementations satisfy Interface at compile time.
var (
	_ Interface = (*SQLiteStore)(nil)
	_ Interface = (*MockStorage)(nil)
)
