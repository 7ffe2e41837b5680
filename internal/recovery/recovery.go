// Package recovery reconciles a freshly started foreground with the
// workflows persisted by earlier sessions.
package recovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/internal/metrics"
	"github.com/rendis/genflow/internal/selector"
	"github.com/rendis/genflow/internal/store"
	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/pkg/schema"
)

// DefaultWindow is how recent a failure must be to be surfaced again.
const DefaultWindow = 5 * time.Minute

const interruptedMessage = "step was interrupted by a restart"

// Router is the part of the selector recovery needs.
type Router interface {
	Resume(ctx context.Context, wf *schema.Workflow) (selector.Mode, error)
	Adopt(id string, m selector.Mode)
	Owner(id string) (selector.Mode, bool)
	BackgroundActive(ctx context.Context) ([]string, error)
}

// Report lists what one recovery pass did, by workflow id.
type Report struct {
	Adopted     []string          `json:"adopted"`
	Reattached  []string          `json:"reattached"`
	Resumed     []string          `json:"resumed"`
	Interrupted []string          `json:"interrupted"`
	Surfaced    []string          `json:"surfaced"`
	// Deferred workflows were left alone because the background could not
	// say whether it runs them.
	Deferred []string          `json:"deferred,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option      { return func(c *Coordinator) { c.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithWindow sets the recency window for re-surfacing failures.
func WithWindow(d time.Duration) Option { return func(c *Coordinator) { c.window = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// Coordinator runs recovery once per session and keeps the workflow cache
// used for queries afterwards.
type Coordinator struct {
	store   store.Store
	hub     streaming.EventHub
	router  Router
	cache   *gocache.Cache
	window  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	report *Report
}

// New creates a coordinator.
func New(s store.Store, hub streaming.EventHub, router Router, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  s,
		hub:    hub,
		router: router,
		cache:  gocache.New(gocache.NoExpiration, 10*time.Minute),
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

// Cached returns the cached copy of id.
func (c *Coordinator) Cached(id string) (*schema.Workflow, bool) {
	v, ok := c.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*schema.Workflow).Clone(), true
}

// CachedIDs lists the cached workflow ids, sorted.
func (c *Coordinator) CachedIDs() []string {
	items := c.cache.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Forget drops id from the cache.
func (c *Coordinator) Forget(ids ...string) {
	for _, id := range ids {
		c.cache.Delete(id)
	}
}

// Done reports whether recovery has completed.
func (c *Coordinator) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report != nil
}

// Run performs recovery. Once a run has succeeded later calls return the
// same report and do nothing. A failed store read, or a pass that deferred
// workflows, leaves recovery pending so it can be tried again.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.report != nil {
		return c.report, nil
	}

	all, err := c.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool)
	unknown := false
	if ids, err := c.router.BackgroundActive(ctx); err != nil {
		c.logger.WarnContext(ctx, "background active list unavailable, deferring unfinished workflows", "error", err)
		unknown = true
	} else {
		for _, id := range ids {
			live[id] = true
		}
	}

	rep := &Report{Errors: map[string]string{}}
	for _, wf := range all {
		wf = c.adopt(wf, rep)
		if unknown && !wf.Status.IsTerminal() {
			if _, owned := c.router.Owner(wf.ID); !owned {
				rep.Deferred = append(rep.Deferred, wf.ID)
				continue
			}
		}
		c.reconcile(logging.WithWorkflowID(ctx, wf.ID), wf, live[wf.ID], rep)
	}
	if len(rep.Errors) == 0 {
		rep.Errors = nil
	}

	c.metrics.Recovery("adopted", len(rep.Adopted))
	c.metrics.Recovery("reattached", len(rep.Reattached))
	c.metrics.Recovery("resumed", len(rep.Resumed))
	c.metrics.Recovery("interrupted", len(rep.Interrupted))
	c.metrics.Recovery("surfaced", len(rep.Surfaced))
	c.logger.InfoContext(ctx, "recovery complete",
		"workflows", len(all),
		"reattached", len(rep.Reattached),
		"resumed", len(rep.Resumed),
		"interrupted", len(rep.Interrupted),
		"surfaced", len(rep.Surfaced),
		"deferred", len(rep.Deferred))

	if len(rep.Deferred) == 0 {
		c.report = rep
	}
	return rep, nil
}

// adopt caches wf unless the cache already holds a copy at least as new, and
// returns the copy recovery should work with.
func (c *Coordinator) adopt(wf *schema.Workflow, rep *Report) *schema.Workflow {
	if v, ok := c.cache.Get(wf.ID); ok {
		if cached := v.(*schema.Workflow); !cached.UpdatedAt.Before(wf.UpdatedAt) {
			return cached.Clone()
		}
	}
	c.cache.Set(wf.ID, wf.Clone(), gocache.NoExpiration)
	rep.Adopted = append(rep.Adopted, wf.ID)
	return wf
}

func (c *Coordinator) reconcile(ctx context.Context, wf *schema.Workflow, live bool, rep *Report) {
	switch {
	case wf.Status == schema.WorkflowStatusFailed:
		if c.now().Sub(wf.UpdatedAt) <= c.window {
			c.publish(ctx, failedEvent(wf))
			rep.Surfaced = append(rep.Surfaced, wf.ID)
		}
	case wf.Status.IsTerminal():
	case live:
		c.router.Adopt(wf.ID, selector.ModeBackground)
		c.publish(ctx, schema.Event{Type: schema.EventRecovered, WorkflowID: wf.ID, Workflow: wf.Clone()})
		rep.Reattached = append(rep.Reattached, wf.ID)
	default:
		if _, owned := c.router.Owner(wf.ID); owned {
			rep.Reattached = append(rep.Reattached, wf.ID)
			return
		}
		if hasInFlight(wf) {
			c.interrupt(ctx, wf, rep)
			return
		}
		c.resume(ctx, wf, rep)
	}
}

// interrupt fails the in-flight steps of a workflow nobody is running.
// They are never re-run: the tool may already have produced its side effect.
func (c *Coordinator) interrupt(ctx context.Context, wf *schema.Workflow, rep *Report) {
	next := wf.Clone()
	var events []schema.Event
	for _, s := range next.Steps {
		if !s.Status.InFlight() {
			continue
		}
		s.Status = schema.StepStatusFailed
		s.Error = interruptedMessage
		s.ErrorCode = schema.ErrCodeInterrupted
		events = append(events, schema.Event{
			Type: schema.EventStep, WorkflowID: next.ID, StepID: s.ID,
			Status: string(s.Status), Error: s.Error, ErrorCode: s.ErrorCode,
		})
	}
	now := c.now()
	if !now.After(next.UpdatedAt) {
		now = next.UpdatedAt.Add(time.Millisecond)
	}
	next.UpdatedAt = now
	next.CompletedAt = &now
	next.Status = schema.WorkflowStatusFailed
	next.Error = interruptedMessage
	next.ErrorCode = schema.ErrCodeInterrupted

	if err := c.store.SaveWorkflow(ctx, next); err != nil {
		c.logger.ErrorContext(ctx, "failed to persist interrupted workflow", "error", err)
		rep.Errors[wf.ID] = err.Error()
		return
	}
	c.cache.Set(next.ID, next.Clone(), gocache.NoExpiration)

	events = append(events,
		schema.Event{Type: schema.EventStatus, WorkflowID: next.ID, Status: string(next.Status)},
		failedEvent(next))
	c.publish(ctx, events...)
	c.logger.WarnContext(ctx, "workflow interrupted by restart")
	rep.Interrupted = append(rep.Interrupted, wf.ID)
}

func (c *Coordinator) resume(ctx context.Context, wf *schema.Workflow, rep *Report) {
	mode, err := c.router.Resume(ctx, wf)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to resume workflow", "error", err)
		rep.Errors[wf.ID] = err.Error()
		return
	}
	c.publish(ctx, schema.Event{Type: schema.EventRecovered, WorkflowID: wf.ID, Workflow: wf.Clone()})
	c.logger.InfoContext(ctx, "workflow resumed", "mode", mode)
	rep.Resumed = append(rep.Resumed, wf.ID)
}

func (c *Coordinator) publish(ctx context.Context, events ...schema.Event) {
	for _, ev := range events {
		if err := c.hub.Publish(ctx, ev); err != nil {
			c.logger.WarnContext(ctx, "event publish failed", "type", ev.Type, "error", err)
		}
	}
}

func failedEvent(wf *schema.Workflow) schema.Event {
	return schema.Event{Type: schema.EventFailed, WorkflowID: wf.ID, Error: wf.Error, ErrorCode: wf.ErrorCode}
}

func hasInFlight(wf *schema.Workflow) bool {
	for _, s := range wf.Steps {
		if s.Status.InFlight() {
			return true
		}
	}
	return false
}
