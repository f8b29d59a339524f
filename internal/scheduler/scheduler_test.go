package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/presence"
)

type fakeDispatch struct {
	mu         sync.Mutex
	pushes     []push
	activities []activity
}

type push struct {
	fleetID string
	agentID string
	payload []byte
}

type activity struct {
	fleetID string
	kind    string
	from    string
	data    any
}

func (f *fakeDispatch) PushToAgent(fleetID, agentID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{fleetID, agentID, payload})
	return nil
}

func (f *fakeDispatch) EmitActivity(_ context.Context, fleetID, kind, from string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, activity{fleetID, kind, from, data})
}

func newScheduler(dispatch Dispatcher) (*Scheduler, *presence.Registry) {
	pres := presence.New(nil)
	s := New(nil, pres, dispatch, "local", zerolog.Nop())
	return s, pres
}

func TestCreateStartsPending(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(nil)
	task, err := s.Create("fleet-1", "req-1", "codegen", "do the thing", []string{"go"}, PriorityNormal, 0, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if task.Status != StatusPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}
	if task.TTL != defaultTTL {
		t.Errorf("TTL = %v, want default %v", task.TTL, defaultTTL)
	}
}

func TestAssignRejectsFromNonPending(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(nil)
	task, _ := s.Create("fleet-1", "req-1", "codegen", "p", nil, PriorityNormal, 0, "")
	if _, err := s.Assign(task.TaskID, "agent-1"); err != nil {
		t.Fatalf("first Assign() error = %v", err)
	}
	if _, err := s.Assign(task.TaskID, "agent-2"); err != ErrInvalidStatus {
		t.Errorf("second Assign() error = %v, want ErrInvalidStatus", err)
	}
}

func TestFullLifecycleTransitions(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(nil)
	task, _ := s.Create("fleet-1", "req-1", "codegen", "p", nil, PriorityNormal, 0, "")

	if _, err := s.Assign(task.TaskID, "agent-1"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if _, err := s.Start(task.TaskID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	result, err := s.Complete(task.TaskID, json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", result.Status)
	}

	if _, err := s.Fail(task.TaskID, "too late"); err != ErrInvalidStatus {
		t.Errorf("Fail() after Complete error = %v, want ErrInvalidStatus", err)
	}
}

func TestCompleteAllowedDirectlyFromAssigned(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(nil)
	task, _ := s.Create("fleet-1", "req-1", "codegen", "p", nil, PriorityNormal, 0, "")
	if _, err := s.Assign(task.TaskID, "agent-1"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if _, err := s.Complete(task.TaskID, nil); err != nil {
		t.Errorf("Complete() from assigned error = %v, want nil", err)
	}
}

func TestRoutePicksOnlineCapableAgent(t *testing.T) {
	t.Parallel()

	task := &Task{RequiredCapabilities: []string{"go", "review"}}
	roster := []presence.Entry{
		{AgentID: "a1", Capabilities: []string{"go"}, State: presence.StateOnline},
		{AgentID: "a2", Capabilities: []string{"go", "review"}, State: presence.StateOffline},
		{AgentID: "a3", Capabilities: []string{"go", "review", "extra"}, State: presence.StateOnline, Load: 0.2},
	}

	agentID, err := Route(task, roster, "local")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if agentID != "a3" {
		t.Errorf("Route() = %q, want a3 (only online capable candidate)", agentID)
	}
}

func TestRouteExcludesBusyOverloadedAndAway(t *testing.T) {
	t.Parallel()

	task := &Task{RequiredCapabilities: []string{"go"}}
	roster := []presence.Entry{
		{AgentID: "busy-overloaded", Capabilities: []string{"go"}, State: presence.StateBusy, Load: 0.9},
		{AgentID: "away", Capabilities: []string{"go"}, State: presence.StateAway},
		{AgentID: "busy-ok", Capabilities: []string{"go"}, State: presence.StateBusy, Load: 0.5},
	}

	agentID, err := Route(task, roster, "local")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if agentID != "busy-ok" {
		t.Errorf("Route() = %q, want busy-ok (only eligible candidate)", agentID)
	}
}

func TestRoutePrefersLowerLoadAmongSamePriority(t *testing.T) {
	t.Parallel()

	task := &Task{RequiredCapabilities: []string{"go"}}
	roster := []presence.Entry{
		{AgentID: "loaded", Capabilities: []string{"go"}, State: presence.StateOnline, Load: 0.7},
		{AgentID: "idle", Capabilities: []string{"go"}, State: presence.StateOnline, Load: 0.1},
	}

	agentID, err := Route(task, roster, "local")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if agentID != "idle" {
		t.Errorf("Route() = %q, want idle (lowest load)", agentID)
	}
}

func TestRouteReturnsNoCapableAgent(t *testing.T) {
	t.Parallel()

	task := &Task{RequiredCapabilities: []string{"rust"}}
	roster := []presence.Entry{
		{AgentID: "a1", Capabilities: []string{"go"}, State: presence.StateOnline},
	}

	if _, err := Route(task, roster, "local"); err != ErrNoCapableAgent {
		t.Errorf("Route() error = %v, want ErrNoCapableAgent", err)
	}
}

func TestTickAssignsPendingTaskToCapableAgent(t *testing.T) {
	t.Parallel()

	dispatch := &fakeDispatch{}
	s, pres := newScheduler(dispatch)
	_ = pres.Track(context.Background(), "fleet-1", presence.Entry{
		SessionID: "s1", AgentID: "a1", Capabilities: []string{"go"}, State: presence.StateOnline,
	})

	task, _ := s.Create("fleet-1", "req-1", "codegen", "do it", []string{"go"}, PriorityNormal, 0, "")
	s.Tick(context.Background())

	got, err := s.Get(task.TaskID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusAssigned || got.AssignedTo != "a1" {
		t.Fatalf("task = %+v, want assigned to a1", got)
	}

	dispatch.mu.Lock()
	defer dispatch.mu.Unlock()
	if len(dispatch.pushes) != 1 || dispatch.pushes[0].agentID != "a1" {
		t.Errorf("pushes = %+v, want one push to a1", dispatch.pushes)
	}
	if len(dispatch.activities) != 1 || dispatch.activities[0].kind != "task_started" {
		t.Errorf("activities = %+v, want one task_started", dispatch.activities)
	}
}

func TestTickLeavesPendingTaskWhenNoCapableAgent(t *testing.T) {
	t.Parallel()

	dispatch := &fakeDispatch{}
	s, _ := newScheduler(dispatch)
	task, _ := s.Create("fleet-1", "req-1", "codegen", "do it", []string{"rust"}, PriorityNormal, 0, "")
	s.Tick(context.Background())

	got, _ := s.Get(task.TaskID)
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want still pending", got.Status)
	}
}

func TestTickTimesOutStalledActiveTask(t *testing.T) {
	t.Parallel()

	dispatch := &fakeDispatch{}
	s, _ := newScheduler(dispatch)
	task, _ := s.Create("fleet-1", "req-1", "codegen", "do it", nil, PriorityNormal, 10, "")
	if _, err := s.Assign(task.TaskID, "agent-1"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	s.mu.Lock()
	s.tasks[task.TaskID].CreatedAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.Tick(context.Background())

	got, _ := s.Get(task.TaskID)
	if got.Status != StatusTimeout {
		t.Fatalf("Status = %q, want timeout", got.Status)
	}

	dispatch.mu.Lock()
	defer dispatch.mu.Unlock()
	if len(dispatch.pushes) != 1 || dispatch.pushes[0].agentID != "req-1" {
		t.Errorf("pushes = %+v, want a single push to the requester", dispatch.pushes)
	}
}

func TestTickPurgesOldTerminalTasks(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(nil)
	task, _ := s.Create("fleet-1", "req-1", "codegen", "p", nil, PriorityNormal, 0, "")
	if _, err := s.Assign(task.TaskID, "agent-1"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if _, err := s.Complete(task.TaskID, nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	s.mu.Lock()
	s.tasks[task.TaskID].CompletedAt = time.Now().Add(-400 * time.Second)
	s.mu.Unlock()

	s.Tick(context.Background())

	if _, err := s.Get(task.TaskID); err != ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound after purge", err)
	}
}

func TestResultIngestCompletesAndPushesToRequester(t *testing.T) {
	t.Parallel()

	dispatch := &fakeDispatch{}
	s, _ := newScheduler(dispatch)
	task, _ := s.Create("fleet-1", "req-1", "codegen", "p", nil, PriorityNormal, 0, "")
	if _, err := s.Assign(task.TaskID, "agent-1"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	if err := s.ResultIngest(context.Background(), task.TaskID, "agent-1", true, json.RawMessage(`{"ok":true}`), ""); err != nil {
		t.Fatalf("ResultIngest() error = %v", err)
	}

	got, _ := s.Get(task.TaskID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}

	dispatch.mu.Lock()
	defer dispatch.mu.Unlock()
	if len(dispatch.pushes) != 1 || dispatch.pushes[0].agentID != "req-1" {
		t.Errorf("pushes = %+v, want a single push to req-1", dispatch.pushes)
	}
}

func TestResultIngestRejectsReportFromNonAssignedAgent(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(nil)
	task, _ := s.Create("fleet-1", "req-1", "codegen", "p", nil, PriorityNormal, 0, "")
	if _, err := s.Assign(task.TaskID, "agent-1"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	if err := s.ResultIngest(context.Background(), task.TaskID, "agent-impostor", true, nil, ""); err != ErrInvalidStatus {
		t.Errorf("ResultIngest() error = %v, want ErrInvalidStatus", err)
	}
}
