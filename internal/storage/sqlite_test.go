package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/svenkat/orderentry/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "orderentry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	settings := []models.ParseSetting{
		{
			Key:            "ib-main",
			Broker:         models.BrokerInteractiveBrokers,
			AccountID:      "U1234567",
			AccountBalance: 25000,
			Strategy:       models.StrategyMainPullback,
			Mode:           models.ModeStock,
			ParseType:      models.ParseTypeWatchlist,
			Active:         true,
		},
		{
			Key:       "ib-retired",
			Broker:    models.BrokerInteractiveBrokers,
			AccountID: "U1234567",
			Strategy:  models.StrategyDoubleDown,
			Mode:      models.ModeOption,
			ParseType: models.ParseTypeWatchlist,
			Active:    false,
		},
	}
	if err := store.SaveParseSettings(settings); err != nil {
		t.Fatalf("SaveParseSettings: %v", err)
	}

	got, err := store.GetParseSettings()
	if err != nil {
		t.Fatalf("GetParseSettings: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 active setting, got %d", len(got))
	}
	if got[0] != settings[0] {
		t.Errorf("round trip mismatch: got %+v want %+v", got[0], settings[0])
	}

	// Balance refresh path: upsert with a new balance.
	settings[0].AccountBalance = 30000
	if err := store.SaveParseSettings(settings[:1]); err != nil {
		t.Fatalf("SaveParseSettings update: %v", err)
	}
	got, err = store.GetParseSettings()
	if err != nil {
		t.Fatalf("GetParseSettings: %v", err)
	}
	if len(got) != 1 || got[0].AccountBalance != 30000 {
		t.Errorf("expected refreshed balance 30000, got %+v", got)
	}
}

func TestPositionsLifecycle(t *testing.T) {
	store := newTestStore(t)

	aapl := models.Position{
		Broker: models.BrokerInteractiveBrokers, AccountID: "U1", Ticker: "AAPL",
		Count: 100, AverageCost: 182.50, ActivelyManaged: true,
	}
	msft := models.Position{
		Broker: models.BrokerInteractiveBrokers, AccountID: "U1", Ticker: "MSFT",
		Count: 40, AverageCost: 410.00, ActivelyManaged: false,
	}
	if err := store.InsertPositions([]models.Position{aapl, msft}); err != nil {
		t.Fatalf("InsertPositions: %v", err)
	}

	aapl.Count = 150
	aapl.AverageCost = 185.10
	if err := store.UpdatePositions([]models.Position{aapl}); err != nil {
		t.Fatalf("UpdatePositions: %v", err)
	}

	got, err := store.GetPositions(models.BrokerInteractiveBrokers)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(got))
	}
	byTicker := map[string]models.Position{}
	for _, p := range got {
		byTicker[p.Ticker] = p
	}
	if byTicker["AAPL"].Count != 150 || byTicker["AAPL"].AverageCost != 185.10 {
		t.Errorf("AAPL update not persisted: %+v", byTicker["AAPL"])
	}
	if byTicker["MSFT"].ActivelyManaged {
		t.Error("MSFT should stay inactive")
	}

	deleted, err := store.DeletePositions([]models.Position{msft})
	if err != nil {
		t.Fatalf("DeletePositions: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", deleted)
	}

	// Other brokers see nothing.
	other, err := store.GetPositions(models.BrokerCharlesSchwab)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no schwab positions, got %d", len(other))
	}
}

func TestOrdersRoundTripAndPurge(t *testing.T) {
	store := newTestStore(t)

	today := date(2026, time.March, 9)
	stale := date(2026, time.March, 1)

	orders := []models.Order{
		{
			ParseSettingKey: "ib-main",
			Kind:            models.OrderKindStock,
			WatchDate:       today,
			Strategy:        models.StrategyMainPullback,
			Ticker:          "AAPL",
			Count:           100,
			PotentialEntry:  182.50,
			PotentialProfit: 190.00,
			PotentialStop:   178.00,
			PositionValue:   18250,
			CurrentPrice:    183.10,
			DistanceInATRs:  0.4,
		},
		{
			ParseSettingKey: "ib-main",
			Kind:            models.OrderKindOption,
			WatchDate:       today,
			Strategy:        models.StrategyMainPullback,
			Ticker:          "MSFT",
			Count:           2,
			PotentialEntry:  5.20,
			PotentialProfit: 8.00,
			PotentialStop:   3.50,
			PositionValue:   1040,
			StrikeDate:      date(2026, time.April, 17),
			StrikePrice:     420,
			OptionType:      models.OptionTypeCall,
		},
		{
			ParseSettingKey: "ib-main",
			Kind:            models.OrderKindStock,
			WatchDate:       stale,
			Strategy:        models.StrategyMainPullback,
			Ticker:          "NVDA",
			Count:           10,
			PotentialEntry:  900,
			PotentialProfit: 950,
			PotentialStop:   870,
		},
	}
	if err := store.SaveOrders(orders); err != nil {
		t.Fatalf("SaveOrders: %v", err)
	}

	has, err := store.HasOrders("ib-main", today)
	if err != nil {
		t.Fatalf("HasOrders: %v", err)
	}
	if !has {
		t.Fatal("expected HasOrders true for today")
	}
	has, err = store.HasOrders("ib-other", today)
	if err != nil {
		t.Fatalf("HasOrders: %v", err)
	}
	if has {
		t.Error("expected HasOrders false for unknown key")
	}

	got, err := store.GetOrders("ib-main", today)
	if err != nil {
		t.Fatalf("GetOrders: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 orders for today, got %d", len(got))
	}
	for _, o := range got {
		if o.ID == uuid.Nil {
			t.Errorf("order %s missing assigned id", o.Ticker)
		}
		switch o.Ticker {
		case "AAPL":
			if o.Kind != models.OrderKindStock || o.CurrentPrice != 183.10 || o.DistanceInATRs != 0.4 {
				t.Errorf("stock variant mismatch: %+v", o)
			}
		case "MSFT":
			if o.Kind != models.OrderKindOption || !o.StrikeDate.Equal(date(2026, time.April, 17)) ||
				o.StrikePrice != 420 || o.OptionType != models.OptionTypeCall {
				t.Errorf("option variant mismatch: %+v", o)
			}
		}
	}

	// Leg id persistence for resubmission.
	target := got[0]
	target.EntryOrderID = uuid.NewString()
	target.ProfitOrderID = uuid.NewString()
	target.StopOrderID = uuid.NewString()
	if err := store.UpdateOrderLegs(target); err != nil {
		t.Fatalf("UpdateOrderLegs: %v", err)
	}
	reloaded, err := store.GetOrders("ib-main", today)
	if err != nil {
		t.Fatalf("GetOrders: %v", err)
	}
	found := false
	for _, o := range reloaded {
		if o.ID == target.ID {
			found = true
			if o.EntryOrderID != target.EntryOrderID || o.StopOrderID != target.StopOrderID {
				t.Errorf("leg ids not persisted: %+v", o)
			}
		}
	}
	if !found {
		t.Fatal("updated order not found on reload")
	}

	if err := store.UpdateOrderLegs(models.Order{ID: uuid.New()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown order, got %v", err)
	}

	purged, err := store.DeleteOrdersBefore(date(2026, time.March, 2))
	if err != nil {
		t.Fatalf("DeleteOrdersBefore: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged order, got %d", purged)
	}
}

func TestMarketDataRoundTrip(t *testing.T) {
	store := newTestStore(t)

	day := models.MarketDay{
		Date: date(2026, time.March, 6), Ticker: "AAPL",
		Open: 181.0, High: 184.2, Low: 180.5, Close: 183.1,
		Volume: 52_000_000, AfterHours: 183.0, PreMarket: 181.2, Status: "OK",
	}
	if err := store.InsertMarketDays([]models.MarketDay{day}); err != nil {
		t.Fatalf("InsertMarketDays: %v", err)
	}

	has, err := store.HasMarketDay(day.Date, "AAPL")
	if err != nil {
		t.Fatalf("HasMarketDay: %v", err)
	}
	if !has {
		t.Fatal("expected HasMarketDay true")
	}

	got, err := store.GetMarketDay(day.Date, "AAPL")
	if err != nil {
		t.Fatalf("GetMarketDay: %v", err)
	}
	if got.Close != 183.1 || got.Ticker != "AAPL" || !got.Date.Equal(day.Date) {
		t.Errorf("bar mismatch: %+v", got)
	}

	if _, err := store.GetMarketDay(day.Date, "TSLA"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing bar, got %v", err)
	}

	// Upsert replaces, never duplicates.
	day.Close = 184.0
	if err := store.InsertMarketDays([]models.MarketDay{day}); err != nil {
		t.Fatalf("InsertMarketDays upsert: %v", err)
	}
	got, err = store.GetMarketDay(day.Date, "AAPL")
	if err != nil {
		t.Fatalf("GetMarketDay: %v", err)
	}
	if got.Close != 184.0 {
		t.Errorf("expected upserted close 184.0, got %.2f", got.Close)
	}

	holiday, err := store.IsMarketHoliday(date(2026, time.July, 3))
	if err != nil {
		t.Fatalf("IsMarketHoliday: %v", err)
	}
	if holiday {
		t.Error("expected no holiday recorded")
	}
}

func TestSaveOptionContracts(t *testing.T) {
	store := newTestStore(t)

	contracts := []models.OptionContract{
		{
			Ticker: "O:MSFT260417C00420000", UnderlyingTicker: "MSFT", ContractType: "call",
			ExpirationDate: date(2026, time.April, 17), StrikePrice: 420,
			SharesPerContract: 100, ExerciseStyle: "american",
		},
	}
	if err := store.SaveOptionContracts(contracts); err != nil {
		t.Fatalf("SaveOptionContracts: %v", err)
	}
	// Upsert on the same ticker must not fail.
	contracts[0].PrimaryExchange = "BATO"
	if err := store.SaveOptionContracts(contracts); err != nil {
		t.Fatalf("SaveOptionContracts upsert: %v", err)
	}
}
