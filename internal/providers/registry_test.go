package providers

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	kind  string
	model string
}

func (f *fakeProvider) Kind() string        { return f.kind }
func (f *fakeProvider) Model() string       { return f.model }
func (f *fakeProvider) SupportsTools() bool { return true }
func (f *fakeProvider) Chat(ctx context.Context, req *Request) (*Result, error) {
	return &Result{Content: "ok", StopReason: StopEndTurn}, nil
}
func (f *fakeProvider) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	ch := make(chan Event, 1)
	ch <- Event{Type: EventDone}
	close(ch)
	return ch, nil
}

func TestForRoleFallsBackToDefault(t *testing.T) {
	reg := NewRegistry()
	def := &fakeProvider{kind: "anthropic", model: "default-model"}
	quick := &fakeProvider{kind: "openai", model: "quick-model"}
	reg.Register("default", def)
	reg.Register("quick", quick)

	p, err := reg.ForRole("quick")
	if err != nil || p != quick {
		t.Fatalf("ForRole(quick) = %v, %v; want quick provider", p, err)
	}

	// Unbound role falls back to default.
	p, err = reg.ForRole("browser")
	if err != nil || p != def {
		t.Fatalf("ForRole(browser) = %v, %v; want default provider", p, err)
	}
}

func TestForRoleNoDefault(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.ForRole("default")
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestRolesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("router", &fakeProvider{})
	reg.Register("default", &fakeProvider{})
	reg.Register("quick", &fakeProvider{})

	roles := reg.Roles()
	want := []string{"default", "quick", "router"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("roles[%d] = %s, want %s", i, roles[i], want[i])
		}
	}
}
