package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const seenGitHubCap = 200

// Outcomes recorded for a handled event.
const (
	OutcomeIgnored          = "ignored"
	OutcomeAlerted          = "alerted"
	OutcomeActed            = "acted"
	OutcomeEscalated        = "escalated"
	OutcomeActCrashed       = "act_crashed"
	OutcomeEscalationFailed = "escalation_failed"
)

// Handled is the dedup record for one event key.
type Handled struct {
	Date        string    `json:"date"`
	Outcome     string    `json:"outcome"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
}

// State is the heartbeat's persistent bookkeeping, stored as
// heartbeat-state.json in the data directory.
type State struct {
	LastRun         time.Time           `json:"last_run"`
	LastInboxCheck  time.Time           `json:"last_inbox_check"`
	SeenGitHub      []string            `json:"seen_github"`
	HandledEvents   map[string]*Handled `json:"handled_events"`
	LastUserContact time.Time           `json:"last_user_contact"`
}

func loadState(path string) (*State, error) {
	st := &State{HandledEvents: map[string]*Handled{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("heartbeat: read state: %w", err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("heartbeat: parse state: %w", err)
	}
	if st.HandledEvents == nil {
		st.HandledEvents = map[string]*Handled{}
	}
	return st, nil
}

func (st *State) save(path string) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("heartbeat: marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("heartbeat: write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("heartbeat: rename state: %w", err)
	}
	return nil
}

// prune drops handled records from previous days and trims the GitHub
// seen-list to its cap. Dedup only needs to span one day; yesterday's
// events are allowed to resurface.
func (st *State) prune(today string) {
	for key, h := range st.HandledEvents {
		if h.Date != today {
			delete(st.HandledEvents, key)
		}
	}
	if len(st.SeenGitHub) > seenGitHubCap {
		st.SeenGitHub = st.SeenGitHub[len(st.SeenGitHub)-seenGitHubCap:]
	}
}

func (st *State) seenGitHubSet() map[string]bool {
	set := make(map[string]bool, len(st.SeenGitHub))
	for _, id := range st.SeenGitHub {
		set[id] = true
	}
	return set
}

// markHandled records the outcome for an event key, bumping attempts on
// repeats within the same day.
func (st *State) markHandled(key, today, outcome string, now time.Time) {
	h := st.HandledEvents[key]
	if h == nil || h.Date != today {
		h = &Handled{Date: today}
		st.HandledEvents[key] = h
	}
	h.Outcome = outcome
	h.Attempts++
	h.LastAttempt = now
}
