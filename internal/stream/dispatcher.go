// Package stream forwards engine events to the UI surface and diverts
// streamed file content to the preview surface.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentdeck/internal/core"
)

// ToolStager receives the tool id of an interaction tool call before the
// engine blocks on it.
type ToolStager interface {
	StageToolID(taskID, toolID string)
}

type Options struct {
	PreviewURL      string
	FileWriteTool   string
	InteractionTool string
}

type Dispatcher struct {
	surface core.Surface
	preview core.PreviewSurface
	stager  ToolStager
	opts    Options
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*previewQueue
	wg     sync.WaitGroup
}

func NewDispatcher(surface core.Surface, preview core.PreviewSurface, stager ToolStager, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		surface: surface,
		preview: preview,
		stager:  stager,
		opts:    opts,
		logger:  logger.With(zap.String("component", "stream")),
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*previewQueue),
	}
}

// SetOptions swaps tool names and preview address, e.g. after a config reload.
func (d *Dispatcher) SetOptions(opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts = opts
}

func (d *Dispatcher) options() Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts
}

// Dispatch forwards one event for taskID. It returns once the UI surface
// accepted the event; preview delivery continues in the background, in order
// per task.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, event core.Event) error {
	if event.TaskID == "" {
		event.TaskID = taskID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	opts := d.options()

	if d.stager != nil && event.ToolID != "" && event.ToolName == opts.InteractionTool &&
		(event.Type == core.EventToolUse || event.Type == core.EventToolStreaming) {
		d.stager.StageToolID(taskID, event.ToolID)
	}

	if d.surface != nil {
		if err := d.surface.Emit(ctx, event); err != nil {
			if !errors.Is(err, core.ErrSurfaceUnavailable) {
				return err
			}
			d.logger.Debug("event dropped, surface unavailable",
				zap.String("task_id", taskID),
				zap.String("type", string(event.Type)))
		}
	}

	if event.Type == core.EventToolStreaming && event.ToolName == opts.FileWriteTool && d.preview != nil {
		args, ok := ParsePartialObject(event.ParamsText)
		if !ok {
			return nil
		}
		if content, ok := args["content"].(string); ok {
			d.queue(taskID).push(content)
		}
	}
	return nil
}

// Release stops the preview queue of a settled task after it drains.
func (d *Dispatcher) Release(taskID string) {
	d.mu.Lock()
	q, ok := d.queues[taskID]
	delete(d.queues, taskID)
	d.mu.Unlock()
	if ok {
		q.close()
	}
}

// Close stops every preview queue and waits for their workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	queues := d.queues
	d.queues = make(map[string]*previewQueue)
	d.mu.Unlock()
	for _, q := range queues {
		q.close()
	}
	d.wg.Wait()
	d.cancel()
}

func (d *Dispatcher) queue(taskID string) *previewQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[taskID]; ok {
		return q
	}
	q := &previewQueue{signal: make(chan struct{}, 1)}
	d.queues[taskID] = q
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		q.run(d.ctx, func(ctx context.Context, content string) {
			d.deliver(ctx, taskID, content)
		})
	}()
	return q
}

func (d *Dispatcher) deliver(ctx context.Context, taskID, content string) {
	url := d.options().PreviewURL
	if url != "" && d.preview.CurrentURL() != url {
		if err := d.preview.Navigate(ctx, url); err != nil {
			d.logger.Warn("preview navigation failed", zap.String("task_id", taskID), zap.Error(err))
			return
		}
	}
	if err := d.preview.ShowContent(ctx, content); err != nil {
		d.logger.Warn("preview delivery failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// previewQueue keeps only the newest content. Streamed file content is
// cumulative, so skipping superseded snapshots never loses data and older
// content is never shown after newer.
type previewQueue struct {
	mu      sync.Mutex
	latest  string
	pending bool
	closed  bool
	signal  chan struct{}
}

func (q *previewQueue) push(content string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.latest = content
	q.pending = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *previewQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *previewQueue) take() (content string, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending {
		q.pending = false
		return q.latest, true, q.closed
	}
	return "", false, q.closed
}

func (q *previewQueue) run(ctx context.Context, deliver func(context.Context, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
		for {
			content, ok, closed := q.take()
			if ok {
				deliver(ctx, content)
				continue
			}
			if closed {
				return
			}
			break
		}
	}
}
