package background

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/genflow/internal/engine"
	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/internal/rpc"
	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/pkg/schema"
)

// Worker serves the background engine to the foreground. Until Ready is
// called every workflow method fails with NOT_INITIALIZED; ping always
// answers.
type Worker struct {
	peer   *rpc.Peer
	logger *slog.Logger

	engine atomic.Pointer[engine.Engine]

	mu     sync.Mutex
	cancel func()
	wg     sync.WaitGroup
}

// NewWorker registers the workflow handlers on peer.
func NewWorker(peer *rpc.Peer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = logging.Discard()
	}
	w := &Worker{peer: peer, logger: logger}
	peer.Handle(MethodPing, w.ping)
	peer.Handle(MethodSubmit, w.submit)
	peer.Handle(MethodResume, w.resume)
	peer.Handle(MethodCancel, w.cancelWorkflow)
	peer.Handle(MethodGet, w.get)
	peer.Handle(MethodActive, w.active)
	return w
}

// Ready installs the engine once its store is usable and starts forwarding
// the events published on hub.
func (w *Worker) Ready(ctx context.Context, e *engine.Engine, hub streaming.EventHub) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.forward(events)
	w.engine.Store(e)
	w.logger.Info("background worker ready")
	return nil
}

// Close stops event forwarding. The peer and engine are closed by their
// owners.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) forward(events <-chan schema.Event) {
	defer w.wg.Done()
	ctx := logging.WithRole(context.Background(), string(engine.RoleBackground))
	for ev := range events {
		if err := w.peer.Notify(ctx, MethodEvent, ev); err != nil {
			w.logger.WarnContext(ctx, "event not forwarded", "type", ev.Type, "workflow", ev.WorkflowID, "error", err)
		}
	}
}

func (w *Worker) ready() (*engine.Engine, error) {
	e := w.engine.Load()
	if e == nil {
		return nil, schema.NewError(schema.ErrCodeNotInitialized, "background engine is not initialized")
	}
	return e, nil
}

func (w *Worker) ping(context.Context, json.RawMessage) (any, error) {
	e := w.engine.Load()
	if e == nil {
		return PingResult{}, nil
	}
	return PingResult{Ready: true, Active: len(e.Active())}, nil
}

func (w *Worker) submit(ctx context.Context, raw json.RawMessage) (any, error) {
	e, err := w.ready()
	if err != nil {
		return nil, err
	}
	wf, err := decodeWorkflow(raw)
	if err != nil {
		return nil, err
	}
	if err := e.Submit(ctx, wf); err != nil {
		return nil, err
	}
	return map[string]string{"workflowId": wf.ID}, nil
}

func (w *Worker) resume(ctx context.Context, raw json.RawMessage) (any, error) {
	e, err := w.ready()
	if err != nil {
		return nil, err
	}
	wf, err := decodeWorkflow(raw)
	if err != nil {
		return nil, err
	}
	if err := e.Resume(ctx, wf); err != nil {
		return nil, err
	}
	return map[string]string{"workflowId": wf.ID}, nil
}

func (w *Worker) cancelWorkflow(ctx context.Context, raw json.RawMessage) (any, error) {
	e, err := w.ready()
	if err != nil {
		return nil, err
	}
	id, err := decodeID(raw)
	if err != nil {
		return nil, err
	}
	return nil, e.Cancel(ctx, id)
}

func (w *Worker) get(ctx context.Context, raw json.RawMessage) (any, error) {
	e, err := w.ready()
	if err != nil {
		return nil, err
	}
	id, err := decodeID(raw)
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

func (w *Worker) active(context.Context, json.RawMessage) (any, error) {
	e, err := w.ready()
	if err != nil {
		return nil, err
	}
	return activeResult{IDs: e.Active()}, nil
}

func decodeWorkflow(raw json.RawMessage) (*schema.Workflow, error) {
	var p workflowParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid workflow payload").WithCause(err)
	}
	if p.Workflow == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is required")
	}
	return p.Workflow, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	return p.ID, nil
}
