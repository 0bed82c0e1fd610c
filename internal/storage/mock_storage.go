package storage

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/svenkat/orderentry/internal/models"
)

// MockStorage is an in-memory Interface implementation for tests. All state
// is guarded by a single mutex.
type MockStorage struct {
	mu        sync.Mutex
	settings  map[string]models.ParseSetting
	positions map[models.PositionIdentity]models.Position
	orders    map[uuid.UUID]models.Order
	days      map[dayKey]models.MarketDay
	holidays  map[string]bool
	contracts map[string]models.OptionContract
}

type dayKey struct {
	date   string
	ticker string
}

// NewMockStorage returns an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		settings:  make(map[string]models.ParseSetting),
		positions: make(map[models.PositionIdentity]models.Position),
		orders:    make(map[uuid.UUID]models.Order),
		days:      make(map[dayKey]models.MarketDay),
		holidays:  make(map[string]bool),
		contracts: make(map[string]models.OptionContract),
	}
}

func (m *MockStorage) GetParseSettings() ([]models.ParseSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ParseSetting
	for _, ps := range m.settings {
		if ps.Active {
			out = append(out, ps)
		}
	}
	return out, nil
}

func (m *MockStorage) SaveParseSettings(settings []models.ParseSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ps := range settings {
		m.settings[ps.Key] = ps
	}
	return nil
}

func (m *MockStorage) GetPositions(broker models.BrokerKind) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for _, p := range m.positions {
		if p.Broker == broker {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockStorage) InsertPositions(positions []models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		m.positions[p.Identity()] = p
	}
	return nil
}

func (m *MockStorage) UpdatePositions(positions []models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		if existing, ok := m.positions[p.Identity()]; ok {
			existing.Count = p.Count
			existing.AverageCost = p.AverageCost
			m.positions[p.Identity()] = existing
		}
	}
	return nil
}

func (m *MockStorage) DeletePositions(positions []models.Position) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for _, p := range positions {
		if _, ok := m.positions[p.Identity()]; ok {
			delete(m.positions, p.Identity())
			deleted++
		}
	}
	return deleted, nil
}

func (m *MockStorage) HasOrders(settingKey string, watchDate time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ParseSettingKey == settingKey && sameDate(o.WatchDate, watchDate) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStorage) GetOrders(settingKey string, watchDate time.Time) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.ParseSettingKey == settingKey && sameDate(o.WatchDate, watchDate) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockStorage) SaveOrders(orders []models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		m.orders[o.ID] = o
	}
	return nil
}

func (m *MockStorage) UpdateOrderLegs(order models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	existing.EntryOrderID = order.EntryOrderID
	existing.ProfitOrderID = order.ProfitOrderID
	existing.StopOrderID = order.StopOrderID
	m.orders[order.ID] = existing
	return nil
}

func (m *MockStorage) DeleteOrdersBefore(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, o := range m.orders {
		if o.WatchDate.Format(dateLayout) < cutoff.Format(dateLayout) {
			delete(m.orders, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MockStorage) GetMarketDay(date time.Time, ticker string) (*models.MarketDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.days[dayKey{date: date.Format(dateLayout), ticker: ticker}]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MockStorage) HasMarketDay(date time.Time, ticker string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.days[dayKey{date: date.Format(dateLayout), ticker: ticker}]
	return ok, nil
}

func (m *MockStorage) InsertMarketDays(days []models.MarketDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range days {
		m.days[dayKey{date: d.Date.Format(dateLayout), ticker: d.Ticker}] = d
	}
	return nil
}

func (m *MockStorage) IsMarketHoliday(date time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holidays[date.Format(dateLayout)], nil
}

// AddMarketHoliday records a holiday so IsMarketHoliday reports it.
func (m *MockStorage) AddMarketHoliday(date time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holidays[date.Format(dateLayout)] = true
}

func (m *MockStorage) SaveOptionContracts(contracts []models.OptionContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range contracts {
		m.contracts[c.Ticker] = c
	}
	return nil
}

// OptionContractCount reports how many contracts have been saved.
func (m *MockStorage) OptionContractCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contracts)
}

func (m *MockStorage) Close() error { return nil }

func sameDate(a, b time.Time) bool {
	return a.Format(dateLayout) == b.Format(dateLayout)
}
