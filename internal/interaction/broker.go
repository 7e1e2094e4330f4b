// Package interaction parks engine flows that need an operator decision and
// settles them from responses that arrive on the UI channel.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentdeck/internal/core"
)

// pending is a one-shot future. Whoever removes it from Broker.pending
// settles it; nobody else may touch value, err or done.
type pending struct {
	req   core.InteractionRequest
	done  chan struct{}
	value any
	err   error
}

func (p *pending) settle(value any, err error) {
	p.value = value
	p.err = err
	close(p.done)
}

type Broker struct {
	surface core.Surface
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	index   *correlationIndex
	// staged holds the tool id announced by the stream for each task, waiting
	// for the interaction request that follows it.
	staged map[string]string
}

func NewBroker(surface core.Surface, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		surface: surface,
		logger:  logger.With(zap.String("component", "interaction")),
		now:     time.Now,
		pending: make(map[string]*pending),
		index:   newCorrelationIndex(),
		staged:  make(map[string]string),
	}
}

// StageToolID records the tool id the next interaction request of taskID
// should be reachable by.
func (b *Broker) StageToolID(taskID, toolID string) {
	if toolID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged[taskID] = toolID
}

// Forget drops the tool id staged for a settled task.
func (b *Broker) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.staged, taskID)
}

func (b *Broker) StagedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.staged)
}

// Request blocks until the operator answers, the task context is cancelled,
// or every request is rejected en masse. ctx must be the task's context: its
// cancellation is the abort signal.
func (b *Broker) Request(ctx context.Context, taskID, agentName string, payload core.InteractionPayload) (any, error) {
	if !payload.Kind.Valid() {
		return nil, fmt.Errorf("unknown interaction kind %q", payload.Kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, abortError(ctx)
	}
	if b.surface == nil || !b.surface.Available() {
		b.logger.Warn("interaction rejected, surface unavailable",
			zap.String("task_id", taskID),
			zap.String("agent", agentName))
		return nil, core.ErrSurfaceUnavailable
	}

	p := &pending{
		req: core.InteractionRequest{
			RequestID: core.NewRequestID(),
			TaskID:    taskID,
			AgentName: agentName,
			Payload:   payload,
			CreatedAt: b.now(),
		},
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.pending[p.req.RequestID] = p
	if toolID, ok := b.staged[taskID]; ok {
		p.req.ToolID = toolID
		b.index.put(toolID, p.req.RequestID)
		delete(b.staged, taskID)
	}
	b.mu.Unlock()

	requestID := p.req.RequestID
	stop := context.AfterFunc(ctx, func() {
		if b.settle(requestID, nil, abortError(ctx)) {
			b.logger.Info("interaction rejected by task abort",
				zap.String("task_id", taskID),
				zap.String("request_id", requestID))
		}
	})
	defer stop()

	b.logger.Info("interaction requested",
		zap.String("task_id", taskID),
		zap.String("request_id", requestID),
		zap.String("tool_id", p.req.ToolID),
		zap.String("kind", string(payload.Kind)))

	if err := b.surface.Emit(ctx, core.NewInteractionEvent(p.req)); err != nil {
		b.settle(requestID, nil, fmt.Errorf("deliver interaction request: %w", err))
	}

	<-p.done
	return p.value, p.err
}

// Respond settles the request addressed by resp.RequestID, which may be
// either a request id or a staged tool id. It reports false when nothing
// matches; late and duplicate answers are expected and are not errors.
func (b *Broker) Respond(ctx context.Context, resp core.InteractionResponse) bool {
	b.mu.Lock()
	p := b.lookupLocked(resp.RequestID)
	if p == nil {
		b.mu.Unlock()
		b.logger.Debug("interaction response matched nothing", zap.String("id", resp.RequestID))
		return false
	}
	b.removeLocked(p.req.RequestID)
	b.mu.Unlock()

	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = "cancelled"
		}
		p.settle(nil, fmt.Errorf("%w: %s", core.ErrInteractionRejected, reason))
		b.logger.Info("interaction rejected by operator",
			zap.String("request_id", p.req.RequestID),
			zap.String("reason", reason))
		return true
	}

	p.settle(resp.Result, nil)
	b.logger.Info("interaction resolved",
		zap.String("task_id", p.req.TaskID),
		zap.String("request_id", p.req.RequestID))

	if b.surface != nil && b.surface.Available() {
		err := b.surface.Emit(ctx, core.Event{
			Type:      core.EventHumanResolved,
			Level:     "info",
			TaskID:    p.req.TaskID,
			AgentName: p.req.AgentName,
			RequestID: p.req.RequestID,
			ToolID:    p.req.ToolID,
			Kind:      p.req.Payload.Kind,
			Result:    resp.Result,
			Timestamp: b.now(),
		})
		if err != nil {
			b.logger.Warn("deliver resolution event", zap.Error(err))
		}
	}
	return true
}

// RejectAll fails every pending request with err and clears all broker state.
func (b *Broker) RejectAll(err error) {
	b.mu.Lock()
	all := make([]*pending, 0, len(b.pending))
	for _, p := range b.pending {
		all = append(all, p)
	}
	b.pending = make(map[string]*pending)
	b.index.clear()
	b.staged = make(map[string]string)
	b.mu.Unlock()

	for _, p := range all {
		p.settle(nil, err)
	}
	if len(all) > 0 {
		b.logger.Info("rejected pending interactions", zap.Int("count", len(all)), zap.Error(err))
	}
}

// Pending lists outstanding requests, oldest first.
func (b *Broker) Pending() []core.InteractionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.InteractionRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) CorrelationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.len()
}

func (b *Broker) settle(requestID string, value any, err error) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		b.removeLocked(requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.settle(value, err)
	return true
}

// lookupLocked tries id as a request id first and then as a tool id.
func (b *Broker) lookupLocked(id string) *pending {
	if p, ok := b.pending[id]; ok {
		return p
	}
	if requestID, ok := b.index.requestFor(id); ok {
		return b.pending[requestID]
	}
	return nil
}

func (b *Broker) removeLocked(requestID string) {
	delete(b.pending, requestID)
	b.index.removeRequest(requestID)
}

func abortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return core.ErrTaskAborted
	}
	if core.IsAborted(cause) {
		return cause
	}
	return fmt.Errorf("%w: %v", core.ErrTaskAborted, cause)
}
