// Package selector decides, per workflow, whether the background engine or
// the local engine runs it.
//
// The background is probed with a short ping and then handed the workflow
// with a longer submit timeout. Any failure on that path falls back to the
// local engine. Whichever engine accepts a workflow owns it from then on.
package selector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/genflow/internal/background"
	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/internal/metrics"
	"github.com/rendis/genflow/pkg/schema"
)

// Mode is where a workflow runs.
type Mode string

const (
	ModeBackground Mode = "background"
	ModeLocal      Mode = "local"
)

const (
	DefaultPingTimeout   = 2 * time.Second
	DefaultSubmitTimeout = 15 * time.Second
)

const reasonSubmitTimeout = "submit_timeout"

// Backend is the background engine as seen from the foreground.
// *background.Client satisfies it.
type Backend interface {
	Ping(ctx context.Context) (*background.PingResult, error)
	Submit(ctx context.Context, wf *schema.Workflow) error
	Resume(ctx context.Context, wf *schema.Workflow) error
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*schema.Workflow, error)
	Active(ctx context.Context) ([]string, error)
}

// Local is the same-process engine. *engine.Engine satisfies it.
type Local interface {
	Submit(ctx context.Context, wf *schema.Workflow) error
	// Takeover submits an id the background may have recorded and then
	// cancelled as an orphan.
	Takeover(ctx context.Context, wf *schema.Workflow) error
	Resume(ctx context.Context, wf *schema.Workflow) error
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*schema.Workflow, error)
	IsActive(id string) bool
}

// Config holds the selector timeouts and breaker settings.
type Config struct {
	PingTimeout   time.Duration
	SubmitTimeout time.Duration
	Breaker       BreakerConfig
}

// Option configures a Selector.
type Option func(*Selector)

func WithLogger(l *slog.Logger) Option      { return func(s *Selector) { s.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Selector) { s.metrics = m } }

// Selector routes submissions and later calls to the owning engine.
type Selector struct {
	cfg     Config
	local   Local
	backend Backend
	breaker *Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	owners map[string]Mode
}

// New creates a selector. backend may be nil, in which case everything runs
// locally.
func New(local Local, backend Backend, cfg Config, opts ...Option) *Selector {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	s := &Selector{
		cfg:     cfg,
		local:   local,
		backend: backend,
		breaker: NewBreaker(cfg.Breaker),
		owners:  make(map[string]Mode),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

// Breaker exposes the health breaker.
func (s *Selector) Breaker() *Breaker { return s.breaker }

// Submit hands wf to the background if it answers, to the local engine
// otherwise, and reports which one accepted it.
func (s *Selector) Submit(ctx context.Context, wf *schema.Workflow) (Mode, error) {
	return s.dispatch(ctx, wf, "submit",
		func(ctx context.Context, wf *schema.Workflow) error { return s.backend.Submit(ctx, wf) },
		s.local.Submit, s.local.Takeover)
}

// Resume continues a recovered workflow with the same delegate-or-fallback
// decision as Submit.
func (s *Selector) Resume(ctx context.Context, wf *schema.Workflow) (Mode, error) {
	return s.dispatch(ctx, wf, "resume",
		func(ctx context.Context, wf *schema.Workflow) error { return s.backend.Resume(ctx, wf) },
		s.local.Resume, s.local.Resume)
}

// dispatch runs wf on the background through delegate, or locally. After a
// submit timeout the background may hold a cancelled orphan record of wf, so
// the local run goes through takeover.
func (s *Selector) dispatch(ctx context.Context, wf *schema.Workflow, op string,
	delegate, local, takeover func(context.Context, *schema.Workflow) error) (Mode, error) {
	if wf == nil || wf.ID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	if s.local.IsActive(wf.ID) || s.backgroundOwned(ctx, wf.ID) {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is already active", wf.ID)
	}

	reason, err := s.tryBackground(ctx, wf, delegate)
	if err != nil {
		return "", err
	}
	if reason == "" {
		s.own(wf.ID, ModeBackground)
		s.metrics.Submission(string(ModeBackground))
		s.logger.InfoContext(ctx, "workflow delegated to background", "op", op)
		return ModeBackground, nil
	}

	s.metrics.Fallback(reason)
	s.logger.InfoContext(ctx, "running workflow locally", "op", op, "reason", reason)
	if reason == reasonSubmitTimeout {
		local = takeover
	}
	if err := local(ctx, wf); err != nil {
		return "", err
	}
	s.own(wf.ID, ModeLocal)
	s.metrics.Submission(string(ModeLocal))
	return ModeLocal, nil
}

// tryBackground returns "" when the background accepted wf, or the reason it
// was not used. Only a CONFLICT from the background is returned as an error:
// the id is already running there and must not also run locally.
func (s *Selector) tryBackground(ctx context.Context, wf *schema.Workflow,
	delegate func(context.Context, *schema.Workflow) error) (string, error) {
	if s.backend == nil {
		return "no_backend", nil
	}
	if err := s.breaker.Allow(); err != nil {
		return "breaker_open", nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	ping, err := s.backend.Ping(pctx)
	cancel()
	if err != nil {
		s.breaker.Failure()
		s.logger.DebugContext(ctx, "background probe failed", "error", err)
		return "ping", nil
	}
	if !ping.Ready {
		s.breaker.Failure()
		return "not_initialized", nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	err = delegate(sctx, wf)
	cancel()
	if err == nil {
		s.breaker.Success()
		return "", nil
	}

	s.logger.InfoContext(ctx, "background submission failed", "error", err)
	switch schema.CodeOf(err) {
	case schema.ErrCodeConflict:
		s.breaker.Success()
		return "", err
	case schema.ErrCodeTimeout:
		s.breaker.Failure()
		s.cancelOrphan(ctx, wf.ID)
		return reasonSubmitTimeout, nil
	case schema.ErrCodeNotInitialized:
		s.breaker.Failure()
		return "not_initialized", nil
	case schema.ErrCodeUnavailable, schema.ErrCodeCancelled:
		s.breaker.Failure()
		return "unavailable", nil
	default:
		// The background answered, so a half-open probe has its result.
		s.breaker.Success()
		return "rejected", nil
	}
}

// backgroundOwned reports whether id was handed to the background and has
// not finished there. The background's view wins; when it cannot be reached
// the stored record decides, and an unreadable record counts as owned.
func (s *Selector) backgroundOwned(ctx context.Context, id string) bool {
	if mode, ok := s.Owner(id); !ok || mode != ModeBackground {
		return false
	}
	var (
		wf  *schema.Workflow
		err error
	)
	if s.backend != nil {
		gctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
		wf, err = s.backend.Get(gctx, id)
		cancel()
	}
	if s.backend == nil || err != nil {
		wf, err = s.local.Get(ctx, id)
	}
	if err != nil {
		s.logger.DebugContext(ctx, "ownership check could not read workflow", "error", err)
		return true
	}
	if wf.Status.IsTerminal() {
		s.Forget(id)
		return false
	}
	return true
}

// cancelOrphan tells the background to drop a submission it may have
// accepted after we stopped waiting, so the id does not run twice.
func (s *Selector) cancelOrphan(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PingTimeout)
	defer cancel()
	if err := s.backend.Cancel(cctx, id); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		s.logger.DebugContext(ctx, "orphan cancel failed", "error", err)
	}
}

func (s *Selector) own(id string, m Mode) {
	s.mu.Lock()
	s.owners[id] = m
	s.mu.Unlock()
}

// Adopt records m as the owner of id without submitting anything. Recovery
// uses it for workflows it finds already running in the background.
func (s *Selector) Adopt(id string, m Mode) { s.own(id, m) }

// Forget drops the ownership record of id.
func (s *Selector) Forget(id string) {
	s.mu.Lock()
	delete(s.owners, id)
	s.mu.Unlock()
}

// Owner reports which engine owns id, if known.
func (s *Selector) Owner(id string) (Mode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.owners[id]
	return m, ok
}

// Cancel routes to the owner of id. Unknown ids are tried locally first and
// then in the background.
func (s *Selector) Cancel(ctx context.Context, id string) error {
	mode, ok := s.Owner(id)
	if ok && mode == ModeBackground && s.backend != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		defer cancel()
		return s.backend.Cancel(cctx, id)
	}
	err := s.local.Cancel(ctx, id)
	if ok || s.backend == nil || !schema.IsCode(err, schema.ErrCodeNotFound) {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	return s.backend.Cancel(cctx, id)
}

// Get returns the owner's view of id. If the background cannot be reached
// the stored record is returned instead.
func (s *Selector) Get(ctx context.Context, id string) (*schema.Workflow, error) {
	if mode, ok := s.Owner(id); ok && mode == ModeBackground && s.backend != nil {
		gctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
		wf, err := s.backend.Get(gctx, id)
		cancel()
		if err == nil {
			return wf, nil
		}
		s.logger.DebugContext(ctx, "background get failed, reading store", "workflow", id, "error", err)
	}
	return s.local.Get(ctx, id)
}

// BackgroundActive lists the workflows the background currently owns. It
// returns nil without error when there is no background or it reports that
// it is not serving. A background that does not answer in time is an error:
// it may still be running workflows.
func (s *Selector) BackgroundActive(ctx context.Context) ([]string, error) {
	if s.backend == nil {
		return nil, nil
	}
	actx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()
	ids, err := s.backend.Active(actx)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotInitialized) || schema.IsCode(err, schema.ErrCodeUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}
