package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func testOrder(clientID string, status domain.Status, at time.Time) domain.Order {
	return domain.Order{
		ClientOrderID: clientID,
		Symbol:        "BTC",
		Side:          domain.SideBid,
		Price:         d("50000"),
		Amount:        d("0.01"),
		Status:        status,
		CreatedAt:     at,
		LastTouchedAt: at,
	}
}

func TestJournal_OpenClientOrderIDs(t *testing.T) {
	j := openTestJournal(t)
	now := time.Now()

	if err := j.RecordOrder(testOrder("mm-1", domain.StatusOpen, now)); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	if err := j.RecordOrder(testOrder("mm-2", domain.StatusPending, now.Add(time.Second))); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	if err := j.RecordOrder(testOrder("mm-3", domain.StatusFilled, now.Add(2*time.Second))); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}

	ids, err := j.OpenClientOrderIDs()
	if err != nil {
		t.Fatalf("OpenClientOrderIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "mm-1" || ids[1] != "mm-2" {
		t.Errorf("open ids = %v, want [mm-1 mm-2]", ids)
	}
}

func TestJournal_StatusTransitionClosesOrder(t *testing.T) {
	j := openTestJournal(t)
	now := time.Now()

	if err := j.RecordOrder(testOrder("mm-1", domain.StatusOpen, now)); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	if err := j.RecordOrderStatus("mm-1", domain.StatusCancelled, now.Add(time.Second)); err != nil {
		t.Fatalf("RecordOrderStatus: %v", err)
	}

	ids, err := j.OpenClientOrderIDs()
	if err != nil {
		t.Fatalf("OpenClientOrderIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("open ids = %v, want none after cancel", ids)
	}
}

func TestJournal_RecordOrderUpsertsExchangeID(t *testing.T) {
	j := openTestJournal(t)
	now := time.Now()

	o := testOrder("mm-1", domain.StatusPending, now)
	if err := j.RecordOrder(o); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}

	o.ExchangeOrderID = "9001"
	o.Status = domain.StatusOpen
	o.LastTouchedAt = now.Add(time.Second)
	if err := j.RecordOrder(o); err != nil {
		t.Fatalf("RecordOrder upsert: %v", err)
	}

	var exchangeID, status string
	err := j.db.QueryRow(
		"SELECT exchange_order_id, status FROM orders WHERE client_order_id = ?", "mm-1",
	).Scan(&exchangeID, &status)
	if err != nil {
		t.Fatalf("query order: %v", err)
	}
	if exchangeID != "9001" || status != "OPEN" {
		t.Errorf("got exchange_id=%s status=%s, want 9001 OPEN", exchangeID, status)
	}
}

func TestJournal_VolumeSince(t *testing.T) {
	j := openTestJournal(t)
	now := time.Now()

	if err := j.RecordOrder(testOrder("mm-1", domain.StatusOpen, now)); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}

	// One fill before the window, two inside.
	if err := j.RecordFill("mm-1", domain.SideBid, d("100"), d("1"), now.Add(-time.Hour)); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	if err := j.RecordFill("mm-1", domain.SideBid, d("100"), d("0.5"), now); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	if err := j.RecordFill("mm-1", domain.SideAsk, d("101"), d("0.5"), now.Add(time.Minute)); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	vol, err := j.VolumeSince(now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("VolumeSince: %v", err)
	}
	// 100*0.5 + 101*0.5 = 100.5
	if !vol.Equal(d("100.5")) {
		t.Errorf("volume = %s, want 100.5", vol)
	}

	all, err := j.VolumeSince(now.Add(-2 * time.Hour))
	if err != nil {
		t.Fatalf("VolumeSince: %v", err)
	}
	if !all.Equal(d("200.5")) {
		t.Errorf("volume = %s, want 200.5", all)
	}
}

func TestJournal_StatusForUnknownOrderIsNoop(t *testing.T) {
	j := openTestJournal(t)

	if err := j.RecordOrderStatus("unknown", domain.StatusCancelled, time.Now()); err != nil {
		t.Errorf("status update for unknown order errored: %v", err)
	}
}
