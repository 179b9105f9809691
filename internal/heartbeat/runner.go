// Package heartbeat implements the proactive tick pipeline: collect
// events from sources, triage them with a cheap router model, let a
// disposable ACT agent handle the routine ones, and escalate the rest to
// the persistent main-agent session.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kestrelworks/valet/internal/config"
	"github.com/kestrelworks/valet/internal/graph"
	"github.com/kestrelworks/valet/internal/journal"
	"github.com/kestrelworks/valet/internal/notify"
	"github.com/kestrelworks/valet/internal/observability"
	"github.com/kestrelworks/valet/internal/providers"
	"github.com/kestrelworks/valet/internal/session"
)

// MainSessionID is the fixed ID of the persistent escalation session.
const MainSessionID = "heartbeat"

// actFailureRe spots trouble in ACT tool output that the model may have
// glossed over.
var actFailureRe = regexp.MustCompile(`(?i)error|not found|failed|no such file`)

const actInstructions = `You are the autonomous background tier of a personal assistant. Handle the events below on your own: use tools, keep it cheap, do not ask questions. If something genuinely needs the user or the main agent, finish your reply with a line starting with "ESCALATE:" and a one-line reason.

Events:
%s`

const escalateInstructions = `Background events need your attention. Decide what to do; you may notify the user, write journal notes, or act with tools.

Events:
%s`

// RunnerOptions wires a heartbeat runner.
type RunnerOptions struct {
	Engine    *session.Engine
	Registry  *providers.Registry
	Journal   *journal.Journal
	Graph     *graph.Store
	Notifier  *notify.Notifier
	Audit     *AuditLog
	StatePath string
	Config    func() config.HeartbeatConfig
	Github    GitHubFetch
	Logger    *slog.Logger
}

// Runner executes heartbeat ticks. Ticks never overlap: a tick arriving
// while one runs is dropped, not queued.
type Runner struct {
	engine    *session.Engine
	registry  *providers.Registry
	journal   *journal.Journal
	graph     *graph.Store
	notifier  *notify.Notifier
	audit     *AuditLog
	statePath string
	config    func() config.HeartbeatConfig
	github    GitHubFetch
	logger    *slog.Logger
	now       func() time.Time
	running   atomic.Bool
}

// NewRunner constructs a runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	github := opts.Github
	if github == nil {
		github = ghNotifications
	}
	return &Runner{
		engine:    opts.Engine,
		registry:  opts.Registry,
		journal:   opts.Journal,
		graph:     opts.Graph,
		notifier:  opts.Notifier,
		audit:     opts.Audit,
		statePath: opts.StatePath,
		config:    opts.Config,
		github:    github,
		logger:    logger.With("component", "heartbeat"),
		now:       time.Now,
	}
}

// TickResult reports what one tick did.
type TickResult struct {
	Ran      bool              `json:"ran"`
	Skipped  string            `json:"skipped,omitempty"`
	Events   int               `json:"events"`
	Outcomes map[string]string `json:"outcomes,omitempty"`
}

// NoteUserContact resets the idle clock; channels call this on every
// inbound user message.
func (r *Runner) NoteUserContact() {
	st, err := loadState(r.statePath)
	if err != nil {
		r.logger.Warn("state load failed", "error", err)
		return
	}
	st.LastUserContact = r.now()
	if err := st.save(r.statePath); err != nil {
		r.logger.Warn("state save failed", "error", err)
	}
}

// Tick runs one heartbeat pass.
func (r *Runner) Tick(ctx context.Context) (*TickResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		observability.HeartbeatTicks.WithLabelValues("dropped").Inc()
		return &TickResult{Skipped: "previous tick still running"}, nil
	}
	defer r.running.Store(false)

	cfg := r.config()
	now := r.now()
	today := now.Format("2006-01-02")

	st, err := loadState(r.statePath)
	if err != nil {
		return nil, err
	}
	st.prune(today)

	if r.journal != nil {
		if err := r.journal.EnsureToday(); err != nil {
			r.logger.Warn("journal prepare failed", "error", err)
		}
	}

	events, inboxScanned := r.collect(ctx, cfg, st)

	// With nothing observed, consider nudging an idle user inside waking
	// hours.
	if len(events) == 0 {
		if ev := r.idleEvent(cfg, st, now); ev != nil {
			events = append(events, *ev)
		}
	}

	// Annotate repeats and drop events already resolved today. Failed
	// attempts get a few retries before they stick.
	fresh := events[:0]
	for _, ev := range events {
		if prior, ok := st.HandledEvents[ev.Key()]; ok && prior.Date == today {
			switch prior.Outcome {
			case OutcomeActCrashed, OutcomeEscalationFailed:
				if prior.Attempts >= 3 {
					continue
				}
				ev.Prior = prior
			default:
				continue
			}
		}
		fresh = append(fresh, ev)
	}
	events = fresh

	st.LastRun = now
	if inboxScanned {
		st.LastInboxCheck = now
	}

	if len(events) == 0 {
		observability.HeartbeatTicks.WithLabelValues("skipped").Inc()
		if err := st.save(r.statePath); err != nil {
			r.logger.Warn("state save failed", "error", err)
		}
		return &TickResult{Skipped: "nothing new"}, nil
	}

	outcomes := r.dispatch(ctx, st, today, events)

	if err := st.save(r.statePath); err != nil {
		r.logger.Warn("state save failed", "error", err)
	}
	observability.HeartbeatTicks.WithLabelValues("ran").Inc()
	return &TickResult{Ran: true, Events: len(events), Outcomes: outcomes}, nil
}

func (r *Runner) collect(ctx context.Context, cfg config.HeartbeatConfig, st *State) ([]Event, bool) {
	enabled := map[string]bool{}
	for _, s := range cfg.Sources {
		enabled[s] = true
	}

	var events []Event
	inboxScanned := false

	if enabled[SourceInbox] {
		inboxScanned = true
		evs, err := collectInbox(config.ExpandPath(cfg.InboxDir), st.LastInboxCheck)
		if err != nil {
			r.logger.Warn("inbox source failed", "error", err)
		}
		events = append(events, evs...)
	}
	if enabled[SourceTasks] && r.journal != nil {
		lines, err := r.journal.OpenTasks()
		if err != nil {
			r.logger.Warn("tasks source failed", "error", err)
		}
		events = append(events, collectTasks(lines)...)
	}
	if enabled[SourceGitHub] {
		evs, ids, err := collectGitHub(ctx, r.github, st.seenGitHubSet())
		if err != nil {
			r.logger.Warn("github source failed", "error", err)
		} else {
			st.SeenGitHub = append(st.SeenGitHub, ids...)
			events = append(events, evs...)
		}
	}
	return events, inboxScanned
}

// idleEvent synthesizes a check-in event when the user has been quiet for
// longer than the idle threshold during active hours. A sparse knowledge
// graph routes it to the ACT tier, which explores notes to learn the
// user; otherwise triage decides whether reaching out is worth it.
func (r *Runner) idleEvent(cfg config.HeartbeatConfig, st *State, now time.Time) *Event {
	if st.LastUserContact.IsZero() {
		return nil
	}
	idle := now.Sub(st.LastUserContact)
	if idle < time.Duration(cfg.IdleThresholdMinutes)*time.Minute {
		return nil
	}
	hour := now.Hour()
	if hour < cfg.ActiveHourStart || hour >= cfg.ActiveHourEnd {
		return nil
	}
	ev := &Event{
		Source:  SourceIdle,
		Summary: fmt.Sprintf("No user contact for %d minutes", int(idle.Minutes())),
	}

	// The detail gives whichever tier handles the nudge something to work
	// with: what the day looked like and who the user is.
	var detail []string
	if r.journal != nil {
		if today, err := r.journal.ReadToday(); err == nil && strings.TrimSpace(today) != "" {
			detail = append(detail, "Today's journal:\n"+truncate(strings.TrimSpace(today), 1000))
		}
	}
	if r.graph != nil && r.graph.NodeCount() > 0 {
		detail = append(detail, "What is known about the user:\n"+r.graph.ProfileSummary(10))
	}
	ev.Detail = strings.Join(detail, "\n\n")

	if r.graph == nil || r.graph.NodeCount() < 5 {
		ev.Tier = TierAct
	}
	return ev
}

// dispatch routes events through triage and the two model tiers, and
// records outcomes.
func (r *Runner) dispatch(ctx context.Context, st *State, today string, events []Event) map[string]string {
	outcomes := make(map[string]string, len(events))
	record := func(ev Event, outcome string) {
		outcomes[ev.Summary] = outcome
		st.markHandled(ev.Key(), today, outcome, r.now())
		handled := outcome == OutcomeActed || outcome == OutcomeEscalated || outcome == OutcomeAlerted
		if ev.TaskLine != "" && handled {
			if r.journal != nil {
				if err := r.journal.CheckOffTask(ev.TaskLine); err != nil {
					r.logger.Warn("task check-off failed", "error", err)
				}
			}
		}
		// A handled idle nudge counts as contact; otherwise every tick past
		// the threshold would nudge again.
		if ev.Source == SourceIdle && handled {
			st.LastUserContact = r.now()
		}
	}

	var toTriage []Event
	var actQueue, escQueue []Event
	for _, ev := range events {
		switch ev.Tier {
		case TierAct:
			actQueue = append(actQueue, ev)
		case TierEscalate:
			escQueue = append(escQueue, ev)
		default:
			toTriage = append(toTriage, ev)
		}
	}

	if len(toTriage) > 0 {
		actions := triage(ctx, r.registry, toTriage, r.logger)
		for i, ev := range toTriage {
			switch actions[i] {
			case ActionIgnore:
				record(ev, OutcomeIgnored)
			case ActionLog:
				if r.journal != nil {
					if err := r.journal.AppendEntry("Heartbeat: "+ev.Summary, journal.SectionNotes); err != nil {
						r.logger.Warn("journal log failed", "error", err)
					}
				}
				record(ev, OutcomeIgnored)
			case ActionAlert:
				if r.notifier != nil {
					if err := r.notifier.NotifyUser(ctx, ev.Summary, ""); err != nil {
						r.logger.Warn("alert failed", "error", err)
						escQueue = append(escQueue, ev)
						continue
					}
				}
				record(ev, OutcomeAlerted)
			case ActionAct:
				actQueue = append(actQueue, ev)
			case ActionEscalate:
				escQueue = append(escQueue, ev)
			}
		}
	}

	if len(actQueue) > 0 {
		outcome, detail := r.runAct(ctx, actQueue)
		if outcome == OutcomeEscalated {
			// The main agent gets the original events, each carrying the
			// failure reason, not a bare summary of the wreckage.
			reason := "ACT failed: " + detail
			for _, ev := range actQueue {
				if ev.Detail == "" {
					ev.Detail = reason
				} else {
					ev.Detail = reason + "\n" + ev.Detail
				}
				escQueue = append(escQueue, ev)
			}
		} else {
			for _, ev := range actQueue {
				record(ev, outcome)
			}
		}
	}

	if len(escQueue) > 0 {
		outcome := r.runEscalate(ctx, escQueue)
		for _, ev := range escQueue {
			record(ev, outcome)
		}
	}
	return outcomes
}

// runAct hands events to a disposable cheap session. It returns the
// outcome for the batch plus a non-empty escalation detail when the ACT
// tier wants the main agent involved.
func (r *Runner) runAct(ctx context.Context, events []Event) (string, string) {
	s := session.New("quick")
	s.Ephemeral = true

	prompt := fmt.Sprintf(actInstructions, renderEvents(events))
	if r.journal != nil {
		if today, err := r.journal.ReadToday(); err == nil && strings.TrimSpace(today) != "" {
			prompt += "\nToday's journal:\n" + strings.TrimSpace(today)
		}
	}
	final, err := r.engine.Send(ctx, s, prompt)
	if err != nil {
		r.logger.Warn("act tier crashed", "error", err)
		return OutcomeActCrashed, err.Error()
	}

	r.appendAudit("act", "quick", events, s.Messages, final)

	toolErrors := collectToolErrors(s.Messages)
	if idx := strings.Index(final, "ESCALATE:"); idx >= 0 {
		return OutcomeEscalated, strings.TrimSpace(final[idx+len("ESCALATE:"):])
	}
	if len(toolErrors) > 0 {
		return OutcomeEscalated, strings.Join(toolErrors, "; ")
	}
	return OutcomeActed, ""
}

// runEscalate feeds events to the persistent main-agent session.
func (r *Runner) runEscalate(ctx context.Context, events []Event) string {
	s, err := r.mainSession()
	if err != nil {
		r.logger.Error("escalation session unavailable", "error", err)
		return OutcomeEscalationFailed
	}

	final, err := r.engine.Send(ctx, s, fmt.Sprintf(escalateInstructions, renderEvents(events)))
	if err != nil {
		r.logger.Error("escalation failed", "error", err)
		return OutcomeEscalationFailed
	}
	r.appendAudit("main", "default", events, s.Messages, final)
	return OutcomeEscalated
}

func (r *Runner) mainSession() (*session.Session, error) {
	store := r.engine.Store()
	if store.Exists(MainSessionID) {
		return store.Load(MainSessionID)
	}
	s := session.New("default")
	s.ID = MainSessionID
	return s, nil
}

func (r *Runner) appendAudit(tier, role string, events []Event, msgs []providers.Message, response string) {
	if r.audit == nil {
		return
	}
	model := ""
	if p, err := r.registry.ForRole(role); err == nil {
		model = p.Model()
	}
	if err := r.audit.Append(buildAuditEntry(tier, model, events, msgs, response)); err != nil {
		r.logger.Warn("audit append failed", "error", err)
	}
}

func renderEvents(events []Event) string {
	var b strings.Builder
	for i, ev := range events {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, ev.Source, ev.Summary)
		if ev.Detail != "" {
			fmt.Fprintf(&b, "\n   %s", ev.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// collectToolErrors scans a finished run for failing tool results, both
// explicitly flagged ones and successes whose text smells like a failure.
func collectToolErrors(msgs []providers.Message) []string {
	var errs []string
	for _, m := range msgs {
		for _, res := range m.ToolResults {
			if res.IsError || actFailureRe.MatchString(res.Content) {
				errs = append(errs, truncate(res.Content, 200))
			}
		}
	}
	return errs
}
