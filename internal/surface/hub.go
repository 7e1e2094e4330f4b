// Package surface is the in-process UI boundary: subscribers receive every
// event, and the hub can be destroyed like a closed window.
package surface

import (
	"context"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"agentdeck/internal/core"
)

const (
	defaultHistory = 200
	// history is kept for this many tasks, least recently active evicted
	defaultHistoryTasks = 64
)

type subscriber struct {
	taskID string
	ch     chan core.Event
	done   chan struct{}
}

type Hub struct {
	recorder core.EventLogger
	logger   *zap.Logger

	mu         sync.Mutex
	destroyed  bool
	nextID     int
	subs       map[int]*subscriber
	history    *lru.Cache[string, []core.Event]
	historyMax int
}

func NewHub(recorder core.EventLogger, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	// only fails for a non-positive size
	history, _ := lru.New[string, []core.Event](defaultHistoryTasks)
	return &Hub{
		recorder:   recorder,
		logger:     logger.With(zap.String("component", "surface")),
		subs:       make(map[int]*subscriber),
		history:    history,
		historyMax: defaultHistory,
	}
}

func (h *Hub) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.destroyed
}

// Subscribe returns a stream of events. An empty taskID receives every task.
// The returned func unsubscribes; the channel is never closed.
func (h *Hub) Subscribe(taskID string) (<-chan core.Event, func()) {
	sub := &subscriber{
		taskID: strings.TrimSpace(taskID),
		ch:     make(chan core.Event, 256),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		close(sub.done)
		return sub.ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			_, live := h.subs[id]
			delete(h.subs, id)
			h.mu.Unlock()
			// Destroy already closed done for subscribers it dropped.
			if live {
				close(sub.done)
			}
		})
	}
}

// Emit records the event and hands it to every matching subscriber, waiting
// for each to accept it.
func (h *Hub) Emit(ctx context.Context, event core.Event) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return core.ErrSurfaceUnavailable
	}
	if event.TaskID != "" {
		prev, _ := h.history.Get(event.TaskID)
		events := append(prev, event)
		if len(events) > h.historyMax {
			events = append([]core.Event(nil), events[len(events)-h.historyMax:]...)
		}
		h.history.Add(event.TaskID, events)
	}
	targets := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.taskID == "" || sub.taskID == event.TaskID || event.TaskID == "" {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	if h.recorder != nil {
		if err := h.recorder.Emit(event); err != nil {
			h.logger.Warn("record event", zap.Error(err))
		}
	}

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// History returns up to limit of the most recent events of a task. Only
// the most recently active tasks keep a history.
func (h *Hub) History(taskID string, limit int) []core.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	events, _ := h.history.Peek(taskID)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]core.Event(nil), events...)
}

// Destroy makes the hub unavailable and detaches every subscriber.
func (h *Hub) Destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	subs := h.subs
	h.subs = make(map[int]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	h.logger.Info("surface destroyed", zap.Int("subscribers", len(subs)))
}
