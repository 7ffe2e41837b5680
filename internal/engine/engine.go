// Package engine executes workflows one step at a time.
//
// An Engine owns the workflows it accepted: it is the only writer of their
// records and the only source of their events. Every transition is applied
// to a copy of the workflow, persisted, and only then published, so a reader
// never sees an event whose state is not in the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/genflow/internal/bridge"
	"github.com/rendis/genflow/internal/executors"
	"github.com/rendis/genflow/internal/expressions"
	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/internal/metrics"
	"github.com/rendis/genflow/internal/store"
	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/pkg/schema"
)

// Role is the execution context an engine runs in.
type Role string

const (
	RoleBackground Role = "background"
	RoleForeground Role = "foreground"
)

const (
	// DefaultPoolSize is the default number of workflows stepping at once.
	DefaultPoolSize = 10
	// DefaultForegroundTimeout bounds a foreground tool hand-off.
	DefaultForegroundTimeout = 2 * time.Minute
	// DefaultMaxSteps caps the steps of one workflow, appended ones included.
	DefaultMaxSteps = 200
)

// Config holds engine settings.
type Config struct {
	Role              Role
	PoolSize          int
	ForegroundTimeout time.Duration
	// MaxSteps fails a step whose added steps would grow the workflow past
	// it, and rejects larger submissions.
	MaxSteps int
}

// ForegroundRequester runs a foreground-only tool in the foreground context.
// *bridge.Requester satisfies it.
type ForegroundRequester interface {
	RequestForegroundTool(ctx context.Context, req bridge.ToolRequest) (*bridge.ToolResponse, error)
}

// StepHook observes a completed step after it was persisted and announced.
// It receives copies and cannot affect the workflow.
type StepHook func(ctx context.Context, wf *schema.Workflow, step *schema.WorkflowStep)

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithForeground sets the bridge used for foreground-only tools when the
// engine runs in the background.
func WithForeground(fg ForegroundRequester) Option { return func(e *Engine) { e.fg = fg } }

// WithGuards enables options.when step guards.
func WithGuards(cel *expressions.CELEngine) Option { return func(e *Engine) { e.guards = cel } }

// WithStepHook adds a hook run after every completed step.
func WithStepHook(h StepHook) Option { return func(e *Engine) { e.hooks = append(e.hooks, h) } }

// errStopped ends a loop without another write: the workflow was cancelled
// or already failed by abort.
var errStopped = errors.New("workflow loop stopped")

// Engine is a workflow executor bound to one execution context.
type Engine struct {
	cfg      Config
	store    store.Store
	hub      streaming.EventHub
	registry *executors.Registry
	fg       ForegroundRequester
	guards   *expressions.CELEngine
	hooks    []StepHook
	metrics  *metrics.Metrics
	logger   *slog.Logger

	wfFSM   *FSM[schema.WorkflowStatus]
	stepFSM *FSM[schema.StepStatus]
	pool    *WorkerPool

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// run is the in-memory state of one owned workflow. wf is replaced, never
// mutated, under mu.
type run struct {
	id        string
	mu        sync.Mutex
	wf        *schema.Workflow
	cancelled bool
	done      chan struct{}
	once      sync.Once
}

func (r *run) snapshot() (*schema.Workflow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.Clone(), !r.cancelled
}

func (r *run) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.cancelled
}

// New creates an engine. The store is shared with other engines; the hub
// receives this engine's events.
func New(s store.Store, hub streaming.EventHub, registry *executors.Registry, cfg Config, opts ...Option) *Engine {
	if cfg.Role == "" {
		cfg.Role = RoleForeground
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.ForegroundTimeout <= 0 {
		cfg.ForegroundTimeout = DefaultForegroundTimeout
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	e := &Engine{
		cfg:      cfg,
		store:    s,
		hub:      hub,
		registry: registry,
		wfFSM:    NewWorkflowFSM(),
		stepFSM:  NewStepFSM(),
		pool:     NewWorkerPool(cfg.PoolSize),
		runs:     make(map[string]*run),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	e.baseCtx, e.stop = context.WithCancel(logging.WithRole(context.Background(), string(cfg.Role)))
	e.pool.onPanic = func(v any) {
		e.logger.Error("workflow loop panicked", "panic", v)
	}

	role := string(cfg.Role)
	e.wfFSM.OnAny(func(_ context.Context, t Transition) error {
		e.metrics.WorkflowTransition(role, t.To)
		return nil
	})
	e.stepFSM.OnAny(func(_ context.Context, t Transition) error {
		e.metrics.StepTransition(t.Tool, t.To)
		return nil
	})
	return e
}

// Role reports the execution context of the engine.
func (e *Engine) Role() Role { return e.cfg.Role }

// WorkflowFSM exposes the workflow transition table for hook registration.
func (e *Engine) WorkflowFSM() *FSM[schema.WorkflowStatus] { return e.wfFSM }

// StepFSM exposes the step transition table for hook registration.
func (e *Engine) StepFSM() *FSM[schema.StepStatus] { return e.stepFSM }

// Submit takes ownership of wf and starts executing its pending steps. It
// returns once the initial state is persisted. A workflow id that is already
// active on this engine is rejected with CONFLICT and nothing is written, as
// is an id whose stored record is finished: REJECTED when it was cancelled,
// CONFLICT otherwise.
func (e *Engine) Submit(ctx context.Context, wf *schema.Workflow) error {
	return e.submit(ctx, wf, false)
}

// Takeover is Submit for an id another engine may have recorded and then
// cancelled after the caller stopped waiting for it. A finished stored
// record is replaced instead of rejected.
func (e *Engine) Takeover(ctx context.Context, wf *schema.Workflow) error {
	return e.submit(ctx, wf, true)
}

func (e *Engine) submit(ctx context.Context, wf *schema.Workflow, replace bool) error {
	if wf == nil || wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	if len(wf.Steps) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no steps", wf.ID)
	}
	if len(wf.Steps) > e.cfg.MaxSteps {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has %d steps, limit is %d", wf.ID, len(wf.Steps), e.cfg.MaxSteps)
	}
	cp := wf.Clone()
	for _, s := range cp.Steps {
		if s == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has a nil step", wf.ID)
		}
		switch s.Status {
		case "":
			s.Status = schema.StepStatusPending
		case schema.StepStatusPending, schema.StepStatusCompleted, schema.StepStatusSkipped:
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s cannot be submitted as %s", s.ID, s.Status).WithStep(s.ID)
		}
	}
	assignStepIDs(map[string]bool{}, cp.Steps, 0)
	prev, err := e.stored(ctx, cp.ID)
	if err != nil {
		return err
	}
	if prev != nil && !replace {
		if err := finished(prev); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	cp.Status = schema.WorkflowStatusPending
	cp.Error, cp.ErrorCode, cp.CompletedAt = "", "", nil
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if prev != nil && prev.UpdatedAt.After(cp.UpdatedAt) {
		// A replaced record must not make the new one look stale.
		cp.UpdatedAt = prev.UpdatedAt
	}
	cp.UpdatedAt = bump(cp.UpdatedAt)
	return e.start(ctx, cp, false)
}

// stored returns the persisted record of id, or nil when there is none.
func (e *Engine) stored(ctx context.Context, id string) (*schema.Workflow, error) {
	prev, err := e.store.GetWorkflow(ctx, id)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, nil
	}
	return prev, err
}

// finished rejects a stored record that is terminal. Finished records are
// history and are never overwritten by a new run.
func finished(prev *schema.Workflow) error {
	id := prev.ID
	switch {
	case prev.Status == schema.WorkflowStatusCancelled:
		return schema.NewErrorf(schema.ErrCodeRejected, "workflow %s was cancelled and cannot be resubmitted", id)
	case prev.Status.IsTerminal():
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already finished as %s", id, prev.Status)
	}
	return nil
}

// Resume takes ownership of a workflow recovered from the store and continues
// with its remaining pending steps. Steps still marked in flight must have
// been resolved by recovery first.
func (e *Engine) Resume(ctx context.Context, wf *schema.Workflow) error {
	if wf == nil || wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	if wf.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot resume %s workflow %s", wf.Status, wf.ID)
	}
	cp := wf.Clone()
	for _, s := range cp.Steps {
		if s.Status.InFlight() {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s of workflow %s is still %s", s.ID, wf.ID, s.Status).WithStep(s.ID)
		}
	}
	assignStepIDs(map[string]bool{}, cp.Steps, 0)
	cp.UpdatedAt = bump(cp.UpdatedAt)
	return e.start(ctx, cp, true)
}

func (e *Engine) start(ctx context.Context, wf *schema.Workflow, resumed bool) error {
	r := &run{id: wf.ID, wf: wf, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return schema.NewError(schema.ErrCodeUnavailable, "engine is shut down")
	}
	if prev, ok := e.runs[wf.ID]; ok && prev.active() {
		e.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is already active", wf.ID)
	}
	e.runs[wf.ID] = r
	e.mu.Unlock()

	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		e.release(r)
		return err
	}
	e.metrics.SetActive(string(e.cfg.Role), e.activeCount())

	loopCtx := logging.WithWorkflowID(logging.WithSurfaceID(e.baseCtx, wf.SurfaceID()), wf.ID)
	if !resumed {
		e.publish(loopCtx, schema.Event{Type: schema.EventStatus, WorkflowID: wf.ID, Status: string(wf.Status)})
	}
	e.logger.InfoContext(loopCtx, "workflow accepted", "steps", len(wf.Steps), "resumed", resumed)

	if err := e.pool.Go(loopCtx, func(ctx context.Context) { e.loop(ctx, r) }, func() { e.release(r) }); err != nil {
		e.release(r)
		return schema.NewError(schema.ErrCodeUnavailable, "engine is shut down").WithCause(err)
	}
	return nil
}

func (e *Engine) release(r *run) {
	r.once.Do(func() { close(r.done) })
	e.mu.Lock()
	if e.runs[r.id] == r {
		delete(e.runs, r.id)
	}
	e.mu.Unlock()
	e.metrics.SetActive(string(e.cfg.Role), e.activeCount())
}

// Cancel marks an owned workflow cancelled. No further step is started and a
// result still in flight is discarded when it arrives. Cancelling twice is a
// no-op; a workflow that is not active here is NOT_FOUND.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()
	if r == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s is not active on this engine", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return nil
	}
	next := r.wf.Clone()
	next.UpdatedAt = bump(r.wf.UpdatedAt)
	ev, err := e.setStatus(ctx, next, schema.WorkflowStatusCancelled)
	if err != nil {
		return err
	}
	if err := e.store.SaveWorkflow(ctx, next); err != nil {
		return err
	}
	r.cancelled = true
	r.wf = next
	if ev != nil {
		e.publish(ctx, *ev)
	}
	e.logger.InfoContext(logging.WithWorkflowID(ctx, id), "workflow cancelled")
	return nil
}

// Get returns the current state of a workflow: the in-memory copy when this
// engine owns it, the stored record otherwise.
func (e *Engine) Get(ctx context.Context, id string) (*schema.Workflow, error) {
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()
	if r != nil {
		wf, _ := r.snapshot()
		return wf, nil
	}
	return e.store.GetWorkflow(ctx, id)
}

// IsActive reports whether this engine currently owns a non-cancelled
// workflow with the given id.
func (e *Engine) IsActive(id string) bool {
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()
	return r != nil && r.active()
}

// Active returns the ids of the workflows this engine owns.
func (e *Engine) Active() []string {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		if r.active() {
			ids = append(ids, r.id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Wait blocks until the loop of workflow id has returned and reports the
// stored state. It returns immediately for workflows not owned here.
func (e *Engine) Wait(ctx context.Context, id string) (*schema.Workflow, error) {
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "waiting for workflow %s: %s", id, ctx.Err()).WithCause(ctx.Err())
		}
	}
	return e.store.GetWorkflow(ctx, id)
}

// Close stops the engine. Loops return at their next suspension point
// without writing, so a step in flight stays recorded as running and is
// picked up by recovery.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.stop()
	e.pool.Shutdown()
}

// Stats reports the worker pool counters.
func (e *Engine) Stats() PoolStats { return e.pool.Stats() }

func (e *Engine) publish(ctx context.Context, events ...schema.Event) {
	ctx = context.WithoutCancel(ctx)
	for _, ev := range events {
		if err := e.hub.Publish(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "event publish failed", "type", ev.Type, "error", err)
		}
	}
}

// setStatus moves wf to status and returns the status event, or nil when the
// status did not change.
func (e *Engine) setStatus(ctx context.Context, wf *schema.Workflow, to schema.WorkflowStatus) (*schema.Event, error) {
	if wf.Status == to {
		return nil, nil
	}
	if err := e.wfFSM.Transition(ctx, Subject{WorkflowID: wf.ID}, wf.Status, to); err != nil {
		return nil, err
	}
	wf.Status = to
	if to.IsTerminal() {
		t := wf.UpdatedAt
		wf.CompletedAt = &t
	}
	return &schema.Event{Type: schema.EventStatus, WorkflowID: wf.ID, Status: string(to)}, nil
}

func stepEvent(wfID string, s *schema.WorkflowStep) schema.Event {
	ev := schema.Event{
		Type:       schema.EventStep,
		WorkflowID: wfID,
		StepID:     s.ID,
		Status:     string(s.Status),
		Error:      s.Error,
		ErrorCode:  s.ErrorCode,
		Duration:   s.Duration,
	}
	if len(s.Result) > 0 {
		ev.Result = append([]byte(nil), s.Result...)
	}
	return ev
}

// bump returns a timestamp strictly after prev and no earlier than now.
func bump(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

// assignStepIDs gives every step an id not in taken. Empty or colliding ids
// become step-N, N counting from the step's 1-based position.
func assignStepIDs(taken map[string]bool, steps []*schema.WorkflowStep, offset int) {
	for i, s := range steps {
		id := s.ID
		for n := offset + i + 1; id == "" || taken[id]; n++ {
			id = fmt.Sprintf("step-%d", n)
		}
		s.ID = id
		taken[id] = true
	}
}
