package position

import (
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

func TestTracker_FillsAccumulateSigned(t *testing.T) {
	tr := NewTracker("BTC", d("100"))
	now := time.Now()

	tr.ApplyFill(domain.SideBid, d("0.5"), now)
	tr.ApplyFill(domain.SideBid, d("0.2"), now)
	tr.ApplyFill(domain.SideAsk, d("0.3"), now)

	if !tr.Net().Equal(d("0.4")) {
		t.Errorf("net = %s, want 0.4", tr.Net())
	}
}

func TestTracker_SnapshotOverwrites(t *testing.T) {
	tr := NewTracker("BTC", d("100"))
	now := time.Now()

	tr.ApplyFill(domain.SideBid, d("1"), now)
	tr.ApplySnapshot(domain.Position{
		Symbol: "BTC", NetAmount: d("-0.25"), EntryPrice: d("50000"),
	}, now)

	if !tr.Net().Equal(d("-0.25")) {
		t.Errorf("net = %s, want snapshot value -0.25", tr.Net())
	}
	if !tr.EntryPrice().Equal(d("50000")) {
		t.Errorf("entry = %s, want 50000", tr.EntryPrice())
	}
}

func TestTracker_ThresholdGate(t *testing.T) {
	cases := []struct {
		name    string
		net     string
		ref     string
		openBid bool
		openAsk bool
		above   bool
		closing domain.Side
	}{
		{"flat book opens both sides", "0", "100", true, true, false, domain.SideAsk},
		{"small long below threshold", "0.5", "100", true, true, false, domain.SideAsk},
		{"long at threshold blocks bids", "1", "100", false, true, true, domain.SideAsk},
		{"short at threshold blocks asks", "-1", "100", true, false, true, domain.SideBid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker("BTC", d("100"))
			tr.ApplySnapshot(domain.Position{Symbol: "BTC", NetAmount: d(tc.net)}, time.Now())

			ref := d(tc.ref)
			if got := tr.AboveThreshold(ref); got != tc.above {
				t.Errorf("AboveThreshold = %v, want %v", got, tc.above)
			}
			if got := tr.CanOpen(domain.SideBid, ref); got != tc.openBid {
				t.Errorf("CanOpen(bid) = %v, want %v", got, tc.openBid)
			}
			if got := tr.CanOpen(domain.SideAsk, ref); got != tc.openAsk {
				t.Errorf("CanOpen(ask) = %v, want %v", got, tc.openAsk)
			}
			if got := tr.ClosingSide(); got != tc.closing {
				t.Errorf("ClosingSide = %s, want %s", got, tc.closing)
			}
		})
	}
}

func TestTracker_SetFlatClearsState(t *testing.T) {
	tr := NewTracker("BTC", d("100"))
	tr.ApplySnapshot(domain.Position{Symbol: "BTC", NetAmount: d("2"), EntryPrice: d("50000")}, time.Now())

	tr.SetFlat(time.Now())
	if !tr.Net().IsZero() || !tr.EntryPrice().IsZero() {
		t.Errorf("net = %s entry = %s, want zeros", tr.Net(), tr.EntryPrice())
	}
}

func TestTracker_BalanceFreshness(t *testing.T) {
	tr := NewTracker("BTC", d("100"))
	now := time.Now()

	if tr.BalanceFresh(now, time.Minute) {
		t.Error("fresh before any balance seen")
	}

	tr.SetBalance(d("250"), now.Add(-30*time.Second))
	if !tr.BalanceFresh(now, time.Minute) {
		t.Error("stale at 30s with 1m max age")
	}
	if tr.BalanceFresh(now, 10*time.Second) {
		t.Error("fresh at 30s with 10s max age")
	}
	if !tr.Balance().Equal(d("250")) {
		t.Errorf("balance = %s, want 250", tr.Balance())
	}
}

func TestTracker_ZeroDeltaIgnored(t *testing.T) {
	tr := NewTracker("BTC", d("100"))
	tr.ApplyFill(domain.SideBid, decimal.Zero, time.Now())
	if !tr.Net().IsZero() {
		t.Errorf("net = %s, want 0", tr.Net())
	}
}
