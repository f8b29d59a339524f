// Package scheduler implements TaskScheduler from spec §4.5: an ephemeral
// in-memory task store with capability-based routing and a 1-second ticker
// that assigns pending tasks, times out stalled ones, and purges terminal
// rows. Grounded on spec §4.5 directly; the background ticker follows
// cmd/uncord/main.go's `runWithBackoff` supervised-goroutine idiom.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/broker"
	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/presence"
)

// Status enumerates Task.status values from spec §3.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Priority enumerates Task.priority values from spec §3.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

const (
	defaultTTL = 30 * time.Second
	maxTTL     = 300 * time.Second
	purgeAfter = 300 * time.Second
)

// ErrInvalidStatus is returned by a lifecycle operation attempted from a
// status that does not permit it.
var ErrInvalidStatus = errors.New("scheduler: invalid status transition")

// ErrNoCapableAgent is returned by Route when no roster entry can take the task.
var ErrNoCapableAgent = errors.New("scheduler: no capable agent")

// ErrNotFound is returned when a task_id does not exist.
var ErrNotFound = errors.New("scheduler: task not found")

// Task is the ephemeral unit of work described in spec §3.
type Task struct {
	TaskID               string
	FleetID               string
	RequesterID           string
	Type                  string
	Prompt                string
	RequiredCapabilities  []string
	AssignedTo            string
	Status                Status
	Result                json.RawMessage
	Error                 string
	Priority              Priority
	TTL                   time.Duration
	CreatedAt             time.Time
	AssignedAt            time.Time
	CompletedAt           time.Time
	CorrelationID         string
}

func (t *Task) isActive() bool {
	return t.Status == StatusAssigned || t.Status == StatusRunning
}

func (t *Task) isTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Dispatcher delivers assignment/result push messages, implemented by the
// gateway's per-session send path in production.
type Dispatcher interface {
	PushToAgent(fleetID, agentID string, payload []byte) error
	EmitActivity(ctx context.Context, fleetID, kind, fromAgentID string, data any)
}

// Scheduler owns the in-memory task store and its ticker loop.
type Scheduler struct {
	b          *broker.Broker
	presence   *presence.Registry
	dispatch   Dispatcher
	log        zerolog.Logger
	localRegion string

	mu    sync.Mutex
	tasks map[string]*Task
}

// New creates a Scheduler. localRegion is compared against a candidate's
// metadata["region"] for the routing tie-break in spec §4.5; "local" selects
// dev-mode behavior where every candidate is treated as same-region.
func New(b *broker.Broker, pres *presence.Registry, dispatch Dispatcher, localRegion string, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		b:           b,
		presence:    pres,
		dispatch:    dispatch,
		localRegion: localRegion,
		log:         logger.With().Str("component", "scheduler").Logger(),
		tasks:       make(map[string]*Task),
	}
}

func generateTaskID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	return "task_" + hex.EncodeToString(buf), nil
}

// Create inserts a new pending task.
func (s *Scheduler) Create(fleetID, requesterID, taskType, prompt string, required []string, priority Priority, ttlMS int, correlationID string) (*Task, error) {
	id, err := generateTaskID()
	if err != nil {
		return nil, err
	}
	if priority == "" {
		priority = PriorityNormal
	}
	ttl := time.Duration(ttlMS) * time.Millisecond
	if ttlMS <= 0 {
		ttl = defaultTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	t := &Task{
		TaskID:               id,
		FleetID:              fleetID,
		RequesterID:          requesterID,
		Type:                 taskType,
		Prompt:               prompt,
		RequiredCapabilities: required,
		Status:               StatusPending,
		Priority:             priority,
		TTL:                  ttl,
		CreatedAt:            time.Now(),
		CorrelationID:        correlationID,
	}

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()
	metrics.TasksSubmittedTotal.WithLabelValues(taskType).Inc()
	return t, nil
}

// transition applies fn to the stored task if its current status is in from,
// returning ErrInvalidStatus otherwise.
func (s *Scheduler) transition(taskID string, from []Status, fn func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(t.Status, from) {
		return nil, ErrInvalidStatus
	}
	fn(t)
	return t, nil
}

func statusIn(status Status, set []Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// Assign transitions pending -> assigned.
func (s *Scheduler) Assign(taskID, agentID string) (*Task, error) {
	return s.transition(taskID, []Status{StatusPending}, func(t *Task) {
		t.AssignedTo = agentID
		t.Status = StatusAssigned
		t.AssignedAt = time.Now()
	})
}

// Start transitions assigned -> running.
func (s *Scheduler) Start(taskID string) (*Task, error) {
	return s.transition(taskID, []Status{StatusAssigned}, func(t *Task) {
		t.Status = StatusRunning
	})
}

// Complete transitions assigned|running -> completed.
func (s *Scheduler) Complete(taskID string, result json.RawMessage) (*Task, error) {
	t, err := s.transition(taskID, []Status{StatusAssigned, StatusRunning}, func(t *Task) {
		t.Status = StatusCompleted
		t.Result = result
		t.CompletedAt = time.Now()
	})
	if err == nil {
		metrics.TasksCompletedTotal.WithLabelValues(string(StatusCompleted)).Inc()
	}
	return t, err
}

// Fail transitions assigned|running -> failed.
func (s *Scheduler) Fail(taskID, errMsg string) (*Task, error) {
	t, err := s.transition(taskID, []Status{StatusAssigned, StatusRunning}, func(t *Task) {
		t.Status = StatusFailed
		t.Error = errMsg
		t.CompletedAt = time.Now()
	})
	if err == nil {
		metrics.TasksCompletedTotal.WithLabelValues(string(StatusFailed)).Inc()
	}
	return t, err
}

// timeoutTask transitions assigned|running -> timeout.
func (s *Scheduler) timeoutTask(taskID string) (*Task, error) {
	t, err := s.transition(taskID, []Status{StatusAssigned, StatusRunning}, func(t *Task) {
		t.Status = StatusTimeout
		t.CompletedAt = time.Now()
	})
	if err == nil {
		metrics.TasksCompletedTotal.WithLabelValues(string(StatusTimeout)).Inc()
	}
	return t, err
}

// Get returns a snapshot copy of the task.
func (s *Scheduler) Get(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// candidate is the minimal roster shape Route needs.
type candidate struct {
	agentID      string
	capabilities []string
	state        presence.State
	load         float64
	region       string
}

// Route implements the routing algorithm from spec §4.5: capability
// superset match, state/load eligibility, then a
// (state_priority, region_affinity, load) ascending sort, picking the minimum.
func Route(task *Task, roster []presence.Entry, localRegion string) (string, error) {
	var candidates []candidate
	for _, e := range roster {
		if !hasCapabilities(e.Capabilities, task.RequiredCapabilities) {
			continue
		}
		if !(e.State == presence.StateOnline || (e.State == presence.StateBusy && e.Load < 0.8)) {
			continue
		}
		region, _ := e.Metadata["region"].(string)
		candidates = append(candidates, candidate{
			agentID:      e.AgentID,
			capabilities: e.Capabilities,
			state:        e.State,
			load:         e.Load,
			region:       region,
		})
	}
	if len(candidates) == 0 {
		return "", ErrNoCapableAgent
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := statePriority(candidates[i].state), statePriority(candidates[j].state)
		if pi != pj {
			return pi < pj
		}
		ai, aj := regionAffinity(candidates[i].region, localRegion), regionAffinity(candidates[j].region, localRegion)
		if ai != aj {
			return ai < aj
		}
		return candidates[i].load < candidates[j].load
	})

	return candidates[0].agentID, nil
}

func hasCapabilities(have, required []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

func statePriority(s presence.State) int {
	if s == presence.StateOnline {
		return 0
	}
	return 1
}

func regionAffinity(region, localRegion string) float64 {
	if localRegion == "local" || region == localRegion {
		return 0.0
	}
	return 0.5
}

// assignmentPush is the message delivered to the assigned agent.
type assignmentPush struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// resultPush is the message delivered to the requester on completion/failure/timeout.
type resultPush struct {
	Kind   string          `json:"kind"`
	TaskID string          `json:"task_id"`
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Tick runs one iteration of the scheduler loop: route pending tasks, time out
// stalled active tasks, and purge old terminal/expired rows. Called once per
// second by Run.
func (s *Scheduler) Tick(ctx context.Context) {
	s.assignPending(ctx)
	s.timeoutStalled(ctx)
	s.purgeOld()
}

func (s *Scheduler) assignPending(ctx context.Context) {
	s.mu.Lock()
	var pending []*Task
	for _, t := range s.tasks {
		if t.Status == StatusPending {
			pending = append(pending, t)
		}
	}
	s.mu.Unlock()

	for _, t := range pending {
		roster := s.presence.List(t.FleetID)
		agentID, err := Route(t, roster, s.localRegion)
		if err != nil {
			continue
		}
		assigned, err := s.Assign(t.TaskID, agentID)
		if err != nil {
			continue
		}

		payload, err := json.Marshal(assignmentPush{Kind: "task_assignment", TaskID: assigned.TaskID, Type: assigned.Type, Prompt: assigned.Prompt})
		if err != nil {
			s.log.Warn().Err(err).Str("task_id", assigned.TaskID).Msg("failed to marshal assignment push")
			continue
		}
		if s.dispatch != nil {
			if err := s.dispatch.PushToAgent(assigned.FleetID, agentID, payload); err != nil {
				s.log.Warn().Err(err).Str("task_id", assigned.TaskID).Msg("failed to push task assignment")
			}
			s.dispatch.EmitActivity(ctx, assigned.FleetID, "task_started", assigned.RequesterID, map[string]string{"task_id": assigned.TaskID, "assigned_to": agentID})
		}
	}
}

func (s *Scheduler) timeoutStalled(ctx context.Context) {
	s.mu.Lock()
	var stalled []*Task
	for _, t := range s.tasks {
		if t.isActive() && time.Since(t.CreatedAt) > t.TTL {
			stalled = append(stalled, t)
		}
	}
	s.mu.Unlock()

	for _, t := range stalled {
		timedOut, err := s.timeoutTask(t.TaskID)
		if err != nil {
			continue
		}
		payload, err := json.Marshal(resultPush{Kind: "task_result", TaskID: timedOut.TaskID, Status: StatusTimeout})
		if err != nil {
			continue
		}
		if s.dispatch != nil {
			if err := s.dispatch.PushToAgent(timedOut.FleetID, timedOut.RequesterID, payload); err != nil {
				s.log.Warn().Err(err).Str("task_id", timedOut.TaskID).Msg("failed to push timeout result")
			}
			s.dispatch.EmitActivity(ctx, timedOut.FleetID, "task_failed", timedOut.RequesterID, map[string]string{"task_id": timedOut.TaskID, "reason": "timeout"})
		}
	}
}

func (s *Scheduler) purgeOld() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tasks {
		if t.isTerminal() && time.Since(t.CompletedAt) > purgeAfter {
			delete(s.tasks, id)
			continue
		}
		if !t.isTerminal() && !t.isActive() && time.Since(t.CreatedAt) > t.TTL {
			// Non-terminal, non-active (still pending) task that slipped past its
			// TTL without being routed: purge directly, step 2 only covers active tasks.
			delete(s.tasks, id)
		}
	}
}

// Run blocks, ticking every second until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// ResultIngest implements task:result: if reportingAgentID is the task's
// assigned_to, complete or fail it and push the result envelope to the
// requester's direct topic.
func (s *Scheduler) ResultIngest(ctx context.Context, taskID, reportingAgentID string, ok bool, result json.RawMessage, errMsg string) error {
	t, err := s.Get(taskID)
	if err != nil {
		return err
	}
	if t.AssignedTo != reportingAgentID {
		return ErrInvalidStatus
	}

	var updated *Task
	if ok {
		updated, err = s.Complete(taskID, result)
	} else {
		updated, err = s.Fail(taskID, errMsg)
	}
	if err != nil {
		return err
	}

	payload, err := json.Marshal(resultPush{Kind: "task_result", TaskID: updated.TaskID, Status: updated.Status, Result: updated.Result, Error: updated.Error})
	if err != nil {
		return fmt.Errorf("marshal result push: %w", err)
	}
	if s.dispatch != nil {
		if err := s.dispatch.PushToAgent(updated.FleetID, updated.RequesterID, payload); err != nil {
			s.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to push task result")
		}
	}
	return nil
}
