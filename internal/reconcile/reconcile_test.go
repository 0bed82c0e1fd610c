package reconcile

import (
	"testing"

	"github.com/svenkat/orderentry/internal/models"
)

func pos(ticker string, count, avgCost float64) models.Position {
	return models.Position{
		Broker:      models.BrokerInteractiveBrokers,
		AccountID:   "U1",
		Ticker:      ticker,
		Count:       count,
		AverageCost: avgCost,
	}
}

func TestPositionsCompleteness(t *testing.T) {
	// Previous holds AAPL; current holds AAPL with a new count plus MSFT.
	// AAPL must appear once in Updates, MSFT once in Inserts, nothing in
	// Deletes.
	previous := []models.Position{pos("AAPL", 100, 182.50)}
	current := []models.Position{pos("AAPL", 150, 185.10), pos("MSFT", 40, 410)}

	res := Positions(previous, current)
	if len(res.Deletes) != 0 {
		t.Errorf("expected no deletes, got %+v", res.Deletes)
	}
	if len(res.Inserts) != 1 || res.Inserts[0].Ticker != "MSFT" {
		t.Errorf("expected MSFT insert, got %+v", res.Inserts)
	}
	if len(res.Updates) != 1 || res.Updates[0].Ticker != "AAPL" || res.Updates[0].Count != 150 {
		t.Errorf("expected AAPL update with current row, got %+v", res.Updates)
	}
}

func TestPositionsDeletes(t *testing.T) {
	previous := []models.Position{pos("AAPL", 100, 182.50), pos("MSFT", 40, 410)}
	current := []models.Position{pos("MSFT", 40, 410)}

	res := Positions(previous, current)
	if len(res.Deletes) != 1 || res.Deletes[0].Ticker != "AAPL" {
		t.Errorf("expected AAPL delete, got %+v", res.Deletes)
	}
	if len(res.Inserts) != 0 || len(res.Updates) != 0 {
		t.Errorf("expected no inserts/updates, got %+v", res)
	}
}

func TestPositionsIdempotence(t *testing.T) {
	snapshot := []models.Position{pos("AAPL", 100, 182.50), pos("MSFT", 40, 410)}

	if res := Positions(snapshot, snapshot); !res.Empty() {
		t.Errorf("Diff(s, s) must be empty, got %+v", res)
	}
}

func TestPositionsDistinguishesAccounts(t *testing.T) {
	a := pos("AAPL", 100, 182.50)
	b := pos("AAPL", 100, 182.50)
	b.AccountID = "U2"

	res := Positions([]models.Position{a}, []models.Position{a, b})
	if len(res.Inserts) != 1 || res.Inserts[0].AccountID != "U2" {
		t.Errorf("expected U2 insert, got %+v", res.Inserts)
	}
}

func TestDiffCollapsesDuplicateCurrentKeys(t *testing.T) {
	previous := []models.Position{}
	current := []models.Position{pos("AAPL", 100, 182.50), pos("AAPL", 999, 1)}

	res := Positions(previous, current)
	if len(res.Inserts) != 1 || res.Inserts[0].Count != 100 {
		t.Errorf("expected first occurrence kept, got %+v", res.Inserts)
	}
}

func TestDiffCollapsesDuplicatePreviousKeys(t *testing.T) {
	previous := []models.Position{pos("AAPL", 100, 182.50), pos("AAPL", 999, 1)}
	current := []models.Position{}

	res := Positions(previous, current)
	if len(res.Deletes) != 1 || res.Deletes[0].Count != 100 {
		t.Errorf("expected one delete carrying the first occurrence, got %+v", res.Deletes)
	}
}

func TestDiffDoesNotMutateInputs(t *testing.T) {
	previous := []models.Position{pos("AAPL", 100, 182.50)}
	current := []models.Position{pos("AAPL", 150, 185.10)}

	_ = Positions(previous, current)
	if previous[0].Count != 100 || current[0].Count != 150 {
		t.Error("inputs mutated")
	}
}

func TestDiffGenericKeying(t *testing.T) {
	type row struct {
		ID   int
		Name string
	}
	previous := []row{{1, "a"}, {2, "b"}}
	current := []row{{2, "bb"}, {3, "c"}}

	res := Diff(previous, current,
		func(r row) int { return r.ID },
		func(prev, cur row) bool { return prev.Name == cur.Name })
	if len(res.Deletes) != 1 || res.Deletes[0].ID != 1 {
		t.Errorf("bad deletes: %+v", res.Deletes)
	}
	if len(res.Inserts) != 1 || res.Inserts[0].ID != 3 {
		t.Errorf("bad inserts: %+v", res.Inserts)
	}
	if len(res.Updates) != 1 || res.Updates[0].Name != "bb" {
		t.Errorf("bad updates: %+v", res.Updates)
	}
}
