package costs

import (
	"math"
	"path/filepath"
	"testing"
	"time"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "cost-log.json"), LedgerConfig{
		DailyLimitUSD:    2.0,
		WarnThresholdUSD: 1.5,
		DefaultPrice:     Price{Input: 3.0, Output: 15.0},
	})
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	return l
}

func TestRecordRollsUpByRole(t *testing.T) {
	l := testLedger(t)

	if _, err := l.Record("default", "claude-sonnet-4-20250514", Usage{InputTokens: 1000, OutputTokens: 500}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := l.Record("quick", "claude-3-haiku-20240307", Usage{InputTokens: 2000, OutputTokens: 100}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	days := l.Days()
	if len(days) != 1 {
		t.Fatalf("got %d day buckets, want 1", len(days))
	}
	for _, b := range days {
		if b.CallCount != 2 {
			t.Errorf("CallCount = %d, want 2", b.CallCount)
		}
		var sum float64
		var calls int64
		for _, rt := range b.PerRole {
			sum += rt.CostUSD
		}
		calls = int64(len(b.PerRole)) // one call per role in this test
		if math.Abs(sum-b.TotalUSD) > 1e-9 {
			t.Errorf("per-role sum %v != total %v", sum, b.TotalUSD)
		}
		if calls != 2 {
			t.Errorf("roles = %d, want 2", calls)
		}
	}
}

func TestBudgetCheck(t *testing.T) {
	l := testLedger(t)

	st := l.BudgetCheck()
	if !st.OK || st.Warning {
		t.Errorf("fresh ledger: got %+v, want ok and no warning", st)
	}

	// Burn past the warn threshold but under the limit:
	// 100k in + 100k out at sonnet rates = 0.3 + 1.5 = 1.8 USD.
	if _, err := l.Record("default", "claude-sonnet-4-20250514", Usage{InputTokens: 100_000, OutputTokens: 100_000}); err != nil {
		t.Fatal(err)
	}
	st = l.BudgetCheck()
	if !st.OK || !st.Warning {
		t.Errorf("after 1.80 spend: got %+v, want ok with warning", st)
	}

	// Push over the 2.00 limit.
	if _, err := l.Record("default", "claude-sonnet-4-20250514", Usage{OutputTokens: 20_000}); err != nil {
		t.Fatal(err)
	}
	st = l.BudgetCheck()
	if st.OK {
		t.Errorf("after exceeding limit: got %+v, want not ok", st)
	}
}

func TestRetentionEvictsOldestDays(t *testing.T) {
	l := testLedger(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)
	for i := 0; i < retentionDays+5; i++ {
		day := base.AddDate(0, 0, i)
		l.now = func() time.Time { return day }
		if _, err := l.Record("default", "gpt-4o", Usage{InputTokens: 10}); err != nil {
			t.Fatal(err)
		}
	}
	days := l.Days()
	if len(days) != retentionDays {
		t.Fatalf("retained %d days, want %d", len(days), retentionDays)
	}
	if _, ok := days["2026-01-01"]; ok {
		t.Error("oldest day survived eviction")
	}
	if _, ok := days[base.AddDate(0, 0, retentionDays+4).Format("2006-01-02")]; !ok {
		t.Error("newest day missing")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cost-log.json")
	cfg := LedgerConfig{DailyLimitUSD: 2.0, DefaultPrice: Price{Input: 1, Output: 1}}

	l, err := OpenLedger(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	cost, err := l.Record("router", "unknown-model-x", Usage{InputTokens: 1_000_000})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(cost-1.0) > 1e-9 {
		t.Errorf("unknown model cost = %v, want default-rate 1.0", cost)
	}

	reopened, err := OpenLedger(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.TodaySpend(); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("reopened spend = %v, want 1.0", got)
	}
}

func TestPriceForPrefersLongestPrefix(t *testing.T) {
	def := Price{Input: 99, Output: 99}
	cases := []struct {
		model string
		want  float64 // input rate
	}{
		{"gpt-4o-2024-08-06", 2.5},
		{"gpt-4o-mini-2024-07-18", 0.15},
		{"claude-sonnet-4-20250514", 3.0},
		{"totally-unknown", 99},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			if got := PriceFor(tc.model, def).Input; got != tc.want {
				t.Errorf("PriceFor(%s).Input = %v, want %v", tc.model, got, tc.want)
			}
		})
	}
}
