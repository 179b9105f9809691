package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// engineToolCtx is the per-round capability view handed to tools. Tool
// calls in one round run in parallel, so every mutation of the hosting
// session goes through mu.
type engineToolCtx struct {
	engine  *Engine
	session *Session
	mu      sync.Mutex
}

func (tc *engineToolCtx) SessionID() string { return tc.session.ID }

func (tc *engineToolCtx) LoadContext(name string) error {
	if !validName(name) {
		return fmt.Errorf("session: invalid context name %q", name)
	}
	path := filepath.Join(tc.engine.contextsDir, name+".md")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("session: no context %q", name)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.session.AddContext(name)
	return nil
}

func (tc *engineToolCtx) SetOutfit(name string) error {
	if name == "" {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		tc.session.Outfit = nil
		return nil
	}
	outfit, err := LoadOutfit(tc.engine.outfitsDir, name)
	if err != nil {
		return err
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.session.Outfit = outfit
	for _, c := range outfit.Contexts {
		tc.session.AddContext(c)
	}
	return nil
}

func (tc *engineToolCtx) Spawn(ctx context.Context, prompt, role string) (string, error) {
	return tc.engine.Spawn(ctx, prompt, role)
}

func (tc *engineToolCtx) SetTaskPlan(goal string, tasks []string) error {
	if goal == "" || len(tasks) == 0 {
		return fmt.Errorf("session: task plan needs a goal and at least one task")
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.session.SetTaskPlan(goal, tasks)
	return nil
}

func (tc *engineToolCtx) UpdateTask(id, status string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.session.UpdateTask(id, status)
}
