package heartbeat

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Event sources.
const (
	SourceInbox  = "inbox"
	SourceTasks  = "tasks"
	SourceGitHub = "github"
	SourceIdle   = "idle"
)

// Tiers an event can be pre-routed to, bypassing triage.
const (
	TierAct      = "act"
	TierEscalate = "escalate"
)

// Event is one observation surfaced by a heartbeat source.
type Event struct {
	Source  string `json:"source"`
	Summary string `json:"summary"`
	Detail  string `json:"detail,omitempty"`

	// TaskLine holds the verbatim journal line for task events, so a
	// handled task can be checked off.
	TaskLine string `json:"-"`

	// Tier pre-routes the event ("act" or "escalate"); empty means the
	// triage model decides.
	Tier string `json:"-"`

	// Prior carries today's earlier handling of the same event, when any.
	Prior *Handled `json:"_prior,omitempty"`
}

// Key identifies an event across ticks: a hash of its normalized summary,
// so cosmetic changes (whitespace, case) do not defeat dedup.
func (e *Event) Key() string {
	norm := strings.ToLower(strings.Join(strings.Fields(e.Summary), " "))
	sum := sha256.Sum256([]byte(e.Source + "\x00" + norm))
	return hex.EncodeToString(sum[:8])
}

// Triage actions.
const (
	ActionIgnore   = "IGNORE"
	ActionLog      = "LOG"
	ActionAlert    = "ALERT"
	ActionAct      = "ACT"
	ActionEscalate = "ESCALATE"
)

var validAction = map[string]bool{
	ActionIgnore: true, ActionLog: true, ActionAlert: true,
	ActionAct: true, ActionEscalate: true,
}
