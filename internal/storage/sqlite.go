package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/svenkat/orderentry/internal/models"
)

// dateLayout is how day-granularity dates are stored.
const dateLayout = "2006-01-02"

// SQLiteStore implements Interface backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS parse_settings (
	key             TEXT PRIMARY KEY,
	broker          TEXT NOT NULL,
	account_id      TEXT NOT NULL,
	account_balance REAL NOT NULL,
	strategy        TEXT NOT NULL,
	mode            TEXT NOT NULL,
	parse_type      TEXT NOT NULL,
	active          INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS stock_positions (
	broker           TEXT NOT NULL,
	account_id       TEXT NOT NULL,
	ticker           TEXT NOT NULL,
	count            REAL NOT NULL,
	average_cost     REAL NOT NULL,
	actively_managed INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (broker, account_id, ticker)
);
CREATE TABLE IF NOT EXISTS orders (
	id                TEXT PRIMARY KEY,
	parse_setting_key TEXT NOT NULL,
	kind              TEXT NOT NULL,
	watch_date        TEXT NOT NULL,
	strategy          TEXT NOT NULL,
	ticker            TEXT NOT NULL,
	count             INTEGER NOT NULL,
	potential_entry   REAL NOT NULL,
	potential_profit  REAL NOT NULL,
	potential_stop    REAL NOT NULL,
	position_value    REAL NOT NULL,
	current_price     REAL NOT NULL DEFAULT 0,
	distance_in_atrs  REAL NOT NULL DEFAULT 0,
	low_priced        INTEGER NOT NULL DEFAULT 0,
	strike_date       TEXT,
	strike_price      REAL NOT NULL DEFAULT 0,
	option_type       TEXT,
	entry_order_id    TEXT NOT NULL DEFAULT '',
	profit_order_id   TEXT NOT NULL DEFAULT '',
	stop_order_id     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_orders_key_date ON orders (parse_setting_key, watch_date);
CREATE TABLE IF NOT EXISTS market_day (
	date        TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	open        REAL NOT NULL DEFAULT 0,
	high        REAL NOT NULL DEFAULT 0,
	low         REAL NOT NULL DEFAULT 0,
	close       REAL NOT NULL DEFAULT 0,
	volume      REAL NOT NULL DEFAULT 0,
	after_hours REAL NOT NULL DEFAULT 0,
	pre_market  REAL NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (date, ticker)
);
CREATE TABLE IF NOT EXISTS market_holiday (
	holiday_date TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS option_contract (
	ticker              TEXT PRIMARY KEY,
	underlying_ticker   TEXT NOT NULL,
	contract_type       TEXT NOT NULL,
	expiration_date     TEXT NOT NULL,
	strike_price        REAL NOT NULL,
	shares_per_contract INTEGER NOT NULL DEFAULT 100,
	primary_exchange    TEXT NOT NULL DEFAULT '',
	exercise_style      TEXT NOT NULL DEFAULT '',
	cfi                 TEXT NOT NULL DEFAULT ''
);
`

// NewSQLiteStore opens (or creates) the database at dbPath and bootstraps
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// The driver is single-writer; serializing all access through one
	// connection avoids SQLITE_BUSY under concurrent method calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrapping schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetParseSettings returns all active parse settings.
func (s *SQLiteStore) GetParseSettings() ([]models.ParseSetting, error) {
	rows, err := s.db.Query(`SELECT key, broker, account_id, account_balance, strategy, mode, parse_type, active
		FROM parse_settings WHERE active = 1 ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("querying parse settings: %w", err)
	}
	defer rows.Close()

	var settings []models.ParseSetting
	for rows.Next() {
		var ps models.ParseSetting
		var active int
		if err := rows.Scan(&ps.Key, &ps.Broker, &ps.AccountID, &ps.AccountBalance,
			&ps.Strategy, &ps.Mode, &ps.ParseType, &active); err != nil {
			return nil, fmt.Errorf("scanning parse setting: %w", err)
		}
		ps.Active = active != 0
		settings = append(settings, ps)
	}
	return settings, rows.Err()
}

// SaveParseSettings upserts the given settings.
func (s *SQLiteStore) SaveParseSettings(settings []models.ParseSetting) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, ps := range settings {
			_, err := tx.Exec(`INSERT INTO parse_settings
				(key, broker, account_id, account_balance, strategy, mode, parse_type, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET
					broker = excluded.broker,
					account_id = excluded.account_id,
					account_balance = excluded.account_balance,
					strategy = excluded.strategy,
					mode = excluded.mode,
					parse_type = excluded.parse_type,
					active = excluded.active`,
				ps.Key, ps.Broker, ps.AccountID, ps.AccountBalance,
				ps.Strategy, ps.Mode, ps.ParseType, boolInt(ps.Active))
			if err != nil {
				return fmt.Errorf("upserting parse setting %s: %w", ps.Key, err)
			}
		}
		return nil
	})
}

// GetPositions returns all persisted positions for one broker.
func (s *SQLiteStore) GetPositions(broker models.BrokerKind) ([]models.Position, error) {
	rows, err := s.db.Query(`SELECT broker, account_id, ticker, count, average_cost, actively_managed
		FROM stock_positions WHERE broker = ? ORDER BY account_id, ticker`, broker)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		var managed int
		if err := rows.Scan(&p.Broker, &p.AccountID, &p.Ticker, &p.Count, &p.AverageCost, &managed); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		p.ActivelyManaged = managed != 0
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// InsertPositions inserts new position rows.
func (s *SQLiteStore) InsertPositions(positions []models.Position) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, p := range positions {
			_, err := tx.Exec(`INSERT INTO stock_positions
				(broker, account_id, ticker, count, average_cost, actively_managed)
				VALUES (?, ?, ?, ?, ?, ?)`,
				p.Broker, p.AccountID, p.Ticker, p.Count, p.AverageCost, boolInt(p.ActivelyManaged))
			if err != nil {
				return fmt.Errorf("inserting position %s: %w", p, err)
			}
		}
		return nil
	})
}

// UpdatePositions updates count and average cost for existing rows.
func (s *SQLiteStore) UpdatePositions(positions []models.Position) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, p := range positions {
			_, err := tx.Exec(`UPDATE stock_positions SET count = ?, average_cost = ?
				WHERE broker = ? AND account_id = ? AND ticker = ?`,
				p.Count, p.AverageCost, p.Broker, p.AccountID, p.Ticker)
			if err != nil {
				return fmt.Errorf("updating position %s: %w", p, err)
			}
		}
		return nil
	})
}

// DeletePositions removes the given rows by identity and returns how many
// were deleted.
func (s *SQLiteStore) DeletePositions(positions []models.Position) (int, error) {
	deleted := 0
	err := s.inTx(func(tx *sql.Tx) error {
		for _, p := range positions {
			res, err := tx.Exec(`DELETE FROM stock_positions
				WHERE broker = ? AND account_id = ? AND ticker = ?`,
				p.Broker, p.AccountID, p.Ticker)
			if err != nil {
				return fmt.Errorf("deleting position %s: %w", p, err)
			}
			n, _ := res.RowsAffected()
			deleted += int(n)
		}
		return nil
	})
	return deleted, err
}

// HasOrders reports whether any orders exist for the setting key and watch
// date. The orchestrator uses this to skip re-fetching a watchlist that was
// already imported today.
func (s *SQLiteStore) HasOrders(settingKey string, watchDate time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM orders WHERE parse_setting_key = ? AND watch_date = ?`,
		settingKey, watchDate.Format(dateLayout)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting orders: %w", err)
	}
	return n > 0, nil
}

// GetOrders returns the orders saved for the setting key and watch date.
func (s *SQLiteStore) GetOrders(settingKey string, watchDate time.Time) ([]models.Order, error) {
	rows, err := s.db.Query(`SELECT id, parse_setting_key, kind, watch_date, strategy, ticker, count,
		potential_entry, potential_profit, potential_stop, position_value,
		current_price, distance_in_atrs, low_priced, strike_date, strike_price, option_type,
		entry_order_id, profit_order_id, stop_order_id
		FROM orders WHERE parse_setting_key = ? AND watch_date = ? ORDER BY ticker`,
		settingKey, watchDate.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(rows *sql.Rows) (models.Order, error) {
	var (
		o                      models.Order
		id, watchDate          string
		lowPriced              int
		strikeDate, optionType sql.NullString
	)
	err := rows.Scan(&id, &o.ParseSettingKey, &o.Kind, &watchDate, &o.Strategy, &o.Ticker, &o.Count,
		&o.PotentialEntry, &o.PotentialProfit, &o.PotentialStop, &o.PositionValue,
		&o.CurrentPrice, &o.DistanceInATRs, &lowPriced, &strikeDate, &o.StrikePrice, &optionType,
		&o.EntryOrderID, &o.ProfitOrderID, &o.StopOrderID)
	if err != nil {
		return o, fmt.Errorf("scanning order: %w", err)
	}
	if o.ID, err = uuid.Parse(id); err != nil {
		return o, fmt.Errorf("parsing order id %q: %w", id, err)
	}
	if o.WatchDate, err = time.Parse(dateLayout, watchDate); err != nil {
		return o, fmt.Errorf("parsing watch date %q: %w", watchDate, err)
	}
	o.LowPriced = lowPriced != 0
	if strikeDate.Valid && strikeDate.String != "" {
		if o.StrikeDate, err = time.Parse(dateLayout, strikeDate.String); err != nil {
			return o, fmt.Errorf("parsing strike date %q: %w", strikeDate.String, err)
		}
	}
	if optionType.Valid {
		o.OptionType = models.OptionType(optionType.String)
	}
	return o, nil
}

// SaveOrders inserts the given orders, assigning IDs to candidates that do
// not have one yet.
func (s *SQLiteStore) SaveOrders(orders []models.Order) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, o := range orders {
			if o.ID == uuid.Nil {
				o.ID = uuid.New()
			}
			var strikeDate, optionType any
			if o.Kind == models.OrderKindOption {
				strikeDate = o.StrikeDate.Format(dateLayout)
				optionType = string(o.OptionType)
			}
			_, err := tx.Exec(`INSERT INTO orders
				(id, parse_setting_key, kind, watch_date, strategy, ticker, count,
				 potential_entry, potential_profit, potential_stop, position_value,
				 current_price, distance_in_atrs, low_priced, strike_date, strike_price, option_type,
				 entry_order_id, profit_order_id, stop_order_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				o.ID.String(), o.ParseSettingKey, o.Kind, o.WatchDate.Format(dateLayout),
				o.Strategy, o.Ticker, o.Count,
				o.PotentialEntry, o.PotentialProfit, o.PotentialStop, o.PositionValue,
				o.CurrentPrice, o.DistanceInATRs, boolInt(o.LowPriced), strikeDate, o.StrikePrice, optionType,
				o.EntryOrderID, o.ProfitOrderID, o.StopOrderID)
			if err != nil {
				return fmt.Errorf("inserting order %s: %w", o.Ticker, err)
			}
		}
		return nil
	})
}

// UpdateOrderLegs persists the broker-assigned leg identifiers for an order.
func (s *SQLiteStore) UpdateOrderLegs(order models.Order) error {
	res, err := s.db.Exec(`UPDATE orders SET entry_order_id = ?, profit_order_id = ?, stop_order_id = ?
		WHERE id = ?`,
		order.EntryOrderID, order.ProfitOrderID, order.StopOrderID, order.ID.String())
	if err != nil {
		return fmt.Errorf("updating order legs for %s: %w", order.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating order legs for %s: %w", order.ID, ErrNotFound)
	}
	return nil
}

// DeleteOrdersBefore purges orders with a watch date strictly before cutoff
// and returns how many were removed.
func (s *SQLiteStore) DeleteOrdersBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM orders WHERE watch_date < ?`, cutoff.Format(dateLayout))
	if err != nil {
		return 0, fmt.Errorf("purging orders: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetMarketDay returns the bar for (date, ticker), or ErrNotFound.
func (s *SQLiteStore) GetMarketDay(date time.Time, ticker string) (*models.MarketDay, error) {
	var (
		d       models.MarketDay
		dateStr string
	)
	err := s.db.QueryRow(`SELECT date, ticker, open, high, low, close, volume, after_hours, pre_market, status
		FROM market_day WHERE date = ? AND ticker = ?`, date.Format(dateLayout), ticker).
		Scan(&dateStr, &d.Ticker, &d.Open, &d.High, &d.Low, &d.Close, &d.Volume, &d.AfterHours, &d.PreMarket, &d.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying market day: %w", err)
	}
	if d.Date, err = time.Parse(dateLayout, dateStr); err != nil {
		return nil, fmt.Errorf("parsing market day date %q: %w", dateStr, err)
	}
	return &d, nil
}

// HasMarketDay reports whether a bar already exists for (date, ticker).
func (s *SQLiteStore) HasMarketDay(date time.Time, ticker string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM market_day WHERE date = ? AND ticker = ?`,
		date.Format(dateLayout), ticker).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting market days: %w", err)
	}
	return n > 0, nil
}

// InsertMarketDays upserts daily bars.
func (s *SQLiteStore) InsertMarketDays(days []models.MarketDay) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, d := range days {
			_, err := tx.Exec(`INSERT INTO market_day
				(date, ticker, open, high, low, close, volume, after_hours, pre_market, status)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(date, ticker) DO UPDATE SET
					open = excluded.open, high = excluded.high, low = excluded.low,
					close = excluded.close, volume = excluded.volume,
					after_hours = excluded.after_hours, pre_market = excluded.pre_market,
					status = excluded.status`,
				d.Date.Format(dateLayout), d.Ticker, d.Open, d.High, d.Low, d.Close,
				d.Volume, d.AfterHours, d.PreMarket, d.Status)
			if err != nil {
				return fmt.Errorf("inserting market day %s %s: %w", d.Date.Format(dateLayout), d.Ticker, err)
			}
		}
		return nil
	})
}

// IsMarketHoliday reports whether date is a recorded market holiday.
func (s *SQLiteStore) IsMarketHoliday(date time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM market_holiday WHERE holiday_date = ?`,
		date.Format(dateLayout)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting holidays: %w", err)
	}
	return n > 0, nil
}

// SaveOptionContracts upserts vendor option-contract metadata.
func (s *SQLiteStore) SaveOptionContracts(contracts []models.OptionContract) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, c := range contracts {
			_, err := tx.Exec(`INSERT INTO option_contract
				(ticker, underlying_ticker, contract_type, expiration_date, strike_price,
				 shares_per_contract, primary_exchange, exercise_style, cfi)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(ticker) DO UPDATE SET
					underlying_ticker = excluded.underlying_ticker,
					contract_type = excluded.contract_type,
					expiration_date = excluded.expiration_date,
					strike_price = excluded.strike_price,
					shares_per_contract = excluded.shares_per_contract,
					primary_exchange = excluded.primary_exchange,
					exercise_style = excluded.exercise_style,
					cfi = excluded.cfi`,
				c.Ticker, c.UnderlyingTicker, c.ContractType, c.ExpirationDate.Format(dateLayout),
				c.StrikePrice, c.SharesPerContract, c.PrimaryExchange, c.ExerciseStyle, c.CFI)
			if err != nil {
				return fmt.Errorf("upserting option contract %s: %w", c.Ticker, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
