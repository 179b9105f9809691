package costs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const retentionDays = 30

// RoleTotals is one role's slice of a daily bucket.
type RoleTotals struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// DayBucket is the rollup for one local date.
type DayBucket struct {
	TotalUSD  float64                `json:"total_usd"`
	CallCount int64                  `json:"call_count"`
	PerRole   map[string]*RoleTotals `json:"per_role"`
}

// BudgetStatus is the answer to the pre-call budget gate.
type BudgetStatus struct {
	OK      bool    `json:"ok"`
	Spend   float64 `json:"spend"`
	Limit   float64 `json:"limit"`
	Warning bool    `json:"warning"`
}

// LedgerConfig configures pricing fallbacks and the daily gate.
type LedgerConfig struct {
	DailyLimitUSD    float64
	WarnThresholdUSD float64
	DefaultPrice     Price
}

// Ledger is the persistent per-day cost rollup. Every mutation is written
// through to disk atomically; readers see at worst the prior version.
type Ledger struct {
	mu   sync.Mutex
	path string
	cfg  LedgerConfig
	days map[string]*DayBucket
	now  func() time.Time
}

// OpenLedger loads the ledger file at path, creating an empty ledger when
// the file does not exist.
func OpenLedger(path string, cfg LedgerConfig) (*Ledger, error) {
	l := &Ledger{
		path: path,
		cfg:  cfg,
		days: map[string]*DayBucket{},
		now:  time.Now,
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &l.days); err != nil {
			return nil, fmt.Errorf("costs: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("costs: read %s: %w", path, err)
	}
	return l, nil
}

func (l *Ledger) today() string {
	return l.now().Format("2006-01-02")
}

// Record charges one model call to today's bucket under the given role and
// persists the ledger. It returns the dollar cost of the call.
func (l *Ledger) Record(role, model string, usage Usage) (float64, error) {
	price := PriceFor(model, l.cfg.DefaultPrice)
	cost := price.Estimate(usage)

	l.mu.Lock()
	defer l.mu.Unlock()

	day := l.today()
	bucket := l.days[day]
	if bucket == nil {
		bucket = &DayBucket{PerRole: map[string]*RoleTotals{}}
		l.days[day] = bucket
	}
	rt := bucket.PerRole[role]
	if rt == nil {
		rt = &RoleTotals{}
		bucket.PerRole[role] = rt
	}
	rt.InputTokens += usage.InputTokens
	rt.OutputTokens += usage.OutputTokens
	rt.CostUSD += cost
	bucket.TotalUSD += cost
	bucket.CallCount++

	l.pruneLocked()
	if err := l.saveLocked(); err != nil {
		return cost, err
	}
	return cost, nil
}

// TodaySpend returns the dollars charged so far today.
func (l *Ledger) TodaySpend() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b := l.days[l.today()]; b != nil {
		return b.TotalUSD
	}
	return 0
}

// BudgetCheck answers whether a new model call may start.
func (l *Ledger) BudgetCheck() BudgetStatus {
	spend := l.TodaySpend()
	return BudgetStatus{
		OK:      spend < l.cfg.DailyLimitUSD,
		Spend:   spend,
		Limit:   l.cfg.DailyLimitUSD,
		Warning: l.cfg.WarnThresholdUSD > 0 && spend >= l.cfg.WarnThresholdUSD,
	}
}

// Days returns a deep copy of all retained buckets keyed by date.
func (l *Ledger) Days() map[string]DayBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]DayBucket, len(l.days))
	for date, b := range l.days {
		copied := DayBucket{TotalUSD: b.TotalUSD, CallCount: b.CallCount, PerRole: map[string]*RoleTotals{}}
		for role, rt := range b.PerRole {
			c := *rt
			copied.PerRole[role] = &c
		}
		out[date] = copied
	}
	return out
}

// pruneLocked evicts the oldest buckets beyond the retention window.
// Dates sort lexicographically because of the YYYY-MM-DD key format.
func (l *Ledger) pruneLocked() {
	if len(l.days) <= retentionDays {
		return
	}
	dates := make([]string, 0, len(l.days))
	for d := range l.days {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	for _, d := range dates[:len(dates)-retentionDays] {
		delete(l.days, d)
	}
}

func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(l.days, "", "  ")
	if err != nil {
		return fmt.Errorf("costs: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("costs: mkdir: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("costs: write temp: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("costs: rename: %w", err)
	}
	return nil
}
