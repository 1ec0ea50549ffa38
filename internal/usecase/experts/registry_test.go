package experts

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"testing"

	"ensemble-ai/internal/domain"
)

type fakeAgent struct {
	name    string
	initErr error
}

func (a *fakeAgent) Name() string { return a.name }

func (a *fakeAgent) Init(ctx context.Context) (domain.CompiledGraph, error) {
	if a.initErr != nil {
		return nil, a.initErr
	}
	return domain.GraphFunc(func(ctx context.Context, s domain.State, task string) (domain.StateDelta, error) {
		return domain.StateDelta{}, nil
	}), nil
}

// fakeSink is a leader double that records injected expert sets.
type fakeSink struct {
	fakeAgent
	sets []map[string]domain.ExpertBinding
}

func (s *fakeSink) SetExperts(set map[string]domain.ExpertBinding) {
	s.sets = append(s.sets, set)
}

func expertEntry(name string) Entry {
	return Entry{
		Agent:   &fakeAgent{name: name},
		Kind:    domain.KindExpert,
		Profile: domain.ExpertProfile{Name: name, LiveOK: true},
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil, slog.Default())
	if err := r.Register(expertEntry("dup")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(expertEntry("dup"))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestRegistryInitAllReportsFailures(t *testing.T) {
	r := NewRegistry(nil, slog.Default())
	r.Register(Entry{Agent: &fakeAgent{name: "good"}, Kind: domain.KindExpert})
	r.Register(Entry{Agent: &fakeAgent{name: "bad", initErr: errors.New("no")}, Kind: domain.KindExpert})

	failed := r.InitAll(context.Background())
	if len(failed) != 1 {
		t.Fatalf("failed = %v, want only bad", failed)
	}
	if _, ok := failed["bad"]; !ok {
		t.Errorf("failed = %v, want bad present", failed)
	}
	if got := r.Pending(); !reflect.DeepEqual(got, []string{"bad"}) {
		t.Errorf("Pending = %v, want [bad]", got)
	}
	if _, ok := r.Graph("good"); !ok {
		t.Error("good agent should be initialized")
	}
}

func TestRegistryInitAgentIdempotent(t *testing.T) {
	r := NewRegistry(nil, slog.Default())
	r.Register(expertEntry("once"))

	if err := r.InitAgent(context.Background(), "once"); err != nil {
		t.Fatalf("InitAgent: %v", err)
	}
	if err := r.InitAgent(context.Background(), "once"); err != nil {
		t.Fatalf("second InitAgent: %v", err)
	}
	if err := r.InitAgent(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown agent err = %v, want ErrNotFound", err)
	}
}

func TestRegistryInjectWiresReadyExpertsExcludingSelf(t *testing.T) {
	r := NewRegistry(nil, slog.Default())

	leader := &fakeSink{fakeAgent: fakeAgent{name: "leader"}}
	r.Register(Entry{Agent: leader, Kind: domain.KindLeader})
	r.Register(expertEntry("alpha"))
	r.Register(expertEntry("beta"))
	r.Register(Entry{
		Agent:   &fakeAgent{name: "broken", initErr: errors.New("down")},
		Kind:    domain.KindExpert,
		Profile: domain.ExpertProfile{Name: "broken"},
	})

	r.InitAll(context.Background())
	r.Inject(context.Background())

	if len(leader.sets) != 1 {
		t.Fatalf("injections = %d, want 1", len(leader.sets))
	}
	var names []string
	for n := range leader.sets[0] {
		names = append(names, n)
	}
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"alpha", "beta"}) {
		t.Errorf("injected = %v, want ready experts only", names)
	}
}

func TestRegistryInjectIdempotent(t *testing.T) {
	r := NewRegistry(nil, slog.Default())
	leader := &fakeSink{fakeAgent: fakeAgent{name: "leader"}}
	r.Register(Entry{Agent: leader, Kind: domain.KindLeader})
	r.Register(expertEntry("alpha"))
	r.InitAll(context.Background())

	r.Inject(context.Background())
	r.Inject(context.Background())

	if len(leader.sets) != 2 {
		t.Fatalf("injections = %d, want 2", len(leader.sets))
	}
	if !reflect.DeepEqual(keys(leader.sets[0]), keys(leader.sets[1])) {
		t.Error("repeated injection must produce the same expert set")
	}
}

func keys(m map[string]domain.ExpertBinding) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
