package supervisor

import (
	"context"
	"testing"
	"time"

	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/storage"
)

func testLogger() *logging.Logger { return logging.Default() }

type fakeStore struct {
	live       map[string]struct{}
	timedOut   []string
	open       []*storage.Position
	liveErr    error
	timeoutErr error
	openErr    error
}

func (s *fakeStore) LiveIDs(ctx context.Context, accountID string) (map[string]struct{}, error) {
	return s.live, s.liveErr
}

func (s *fakeStore) TimedOutIDs(ctx context.Context, accountID string, extension time.Duration) ([]string, error) {
	return s.timedOut, s.timeoutErr
}

func (s *fakeStore) Open(ctx context.Context, accountID string) ([]*storage.Position, error) {
	return s.open, s.openErr
}

type fakeMonitor struct {
	running    map[string]struct{}
	registered []string
	stopped    bool
}

func (m *fakeMonitor) Register(ctx context.Context, pos *storage.Position) {
	m.registered = append(m.registered, pos.ID)
}

func (m *fakeMonitor) RunningIDs() map[string]struct{} { return m.running }

func (m *fakeMonitor) StopAll() {
	m.stopped = true
	m.running = map[string]struct{}{}
}

func TestTick_NoDriftDoesNotRestart(t *testing.T) {
	store := &fakeStore{live: map[string]struct{}{"10": {}, "11": {}}}
	mon := &fakeMonitor{running: map[string]struct{}{"10": {}, "11": {}}}
	s := New("acct-1", store, mon, nil, time.Minute, testLogger())

	s.tick(context.Background())

	if mon.stopped {
		t.Fatalf("expected no restart when mon_set matches db_set")
	}
}

func TestTick_DriftTriggersRestart(t *testing.T) {
	store := &fakeStore{
		live: map[string]struct{}{"10": {}, "11": {}, "12": {}},
		open: []*storage.Position{
			{ID: "10"}, {ID: "11"}, {ID: "12"},
		},
	}
	mon := &fakeMonitor{running: map[string]struct{}{"10": {}}}
	s := New("acct-1", store, mon, nil, time.Minute, testLogger())
	s.tick(context.Background())

	if !mon.stopped {
		t.Fatalf("expected StopAll to be called on drift")
	}
	if len(mon.registered) != 3 {
		t.Fatalf("expected all 3 db positions re-registered, got %d", len(mon.registered))
	}
}

func TestTick_TimeoutSetTriggersRestartEvenWithoutDrift(t *testing.T) {
	store := &fakeStore{
		live:     map[string]struct{}{"10": {}},
		timedOut: []string{"10"},
		open:     []*storage.Position{{ID: "10"}},
	}
	mon := &fakeMonitor{running: map[string]struct{}{"10": {}}}
	s := New("acct-1", store, mon, nil, time.Minute, testLogger())
	s.tick(context.Background())

	if !mon.stopped {
		t.Fatalf("expected a non-empty timeout_set to force a restart even when mon_set == db_set")
	}
}

func TestSetsEqual(t *testing.T) {
	a := map[string]struct{}{"1": {}, "2": {}}
	b := map[string]struct{}{"2": {}, "1": {}}
	if !setsEqual(a, b) {
		t.Fatalf("expected identical key sets to compare equal regardless of order")
	}
	c := map[string]struct{}{"1": {}}
	if setsEqual(a, c) {
		t.Fatalf("expected sets of different size to compare unequal")
	}
}
