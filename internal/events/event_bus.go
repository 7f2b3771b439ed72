// Package events provides the progress/log event bus for task execution.
// Events of one task always land on the same shard, so subscribers observe
// them in the order they were published.
package events

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/metrics"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeStatus    EventType = "status"
	EventTypeProgress  EventType = "progress"
	EventTypeLog       EventType = "log"
	EventTypeResult    EventType = "result"
	EventTypeDiagnosis EventType = "diagnosis"
)

// Event is one notification about a task
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// StatusPayload is the payload of a status event
type StatusPayload struct {
	Operation string           `json:"operation"`
	From      types.TaskStatus `json:"from"`
	To        types.TaskStatus `json:"to"`
	Task      *types.Task      `json:"task"`
}

// LogPayload is the payload of a log event
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

var eventCounter atomic.Int64

// NewEvent stamps an event with an id and the current time
func NewEvent(eventType EventType, taskID string, payload any) Event {
	return Event{
		ID:        "evt_" + strconv.FormatInt(eventCounter.Add(1), 10),
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Publisher is the fire-and-forget side of the bus
type Publisher interface {
	Publish(event Event)
}

// Discard drops every event
type Discard struct{}

// Publish implements Publisher
func (Discard) Publish(Event) {}

// EventHandler is a function that processes events
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Filter    EventFilter
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks delivery counters
type EventBusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	Shards     int `json:"shards"`
	BufferSize int `json:"bufferSize"`
}

// DefaultEventBusConfig returns sensible defaults
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Shards:     8,
		BufferSize: 1024,
	}
}

// EventBus routes task events to subscribers
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	shards []chan Event

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEventBus creates the bus and starts one worker per shard
func NewEventBus(logger *zap.Logger, m *metrics.Metrics, config EventBusConfig) *EventBus {
	defaults := DefaultEventBusConfig()
	if config.Shards <= 0 {
		config.Shards = defaults.Shards
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		shards:      make([]chan Event, config.Shards),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With(zap.String("component", "event_bus")),
		metrics:     m,
	}

	for i := range eb.shards {
		eb.shards[i] = make(chan Event, config.BufferSize)
		eb.wg.Add(1)
		go eb.worker(eb.shards[i])
	}

	eb.logger.Info("EventBus initialized",
		zap.Int("shards", config.Shards),
		zap.Int("buffer_size", config.BufferSize),
	)

	return eb
}

func (eb *EventBus) shardFor(taskID string) chan Event {
	return eb.shards[xxhash.Sum64String(taskID)%uint64(len(eb.shards))]
}

// worker delivers one shard's events in order; on shutdown it drains what is buffered
func (eb *EventBus) worker(ch chan Event) {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			for {
				select {
				case event := <-ch:
					eb.processEvent(event)
				default:
					return
				}
			}
		case event := <-ch:
			eb.processEvent(event)
		}
	}
}

// processEvent routes event to subscribers
func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.Type]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, sub := range subs {
		eb.deliver(sub, event)
	}
	for _, sub := range allSubs {
		eb.deliver(sub, event)
	}

	eb.eventsProcessed.Add(1)
}

func (eb *EventBus) deliver(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return
	}
	eb.executeHandler(sub, event)
}

// executeHandler safely executes a handler with panic recovery
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.Type)),
				zap.String("task_id", event.TaskID),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("task_id", event.TaskID),
			zap.Error(err),
		)
	}
}

var subscriptionCounter atomic.Int64

func generateSubscriptionID() string {
	return "sub_" + strconv.FormatInt(subscriptionCounter.Add(1), 10)
}

// Subscribe registers a handler for an event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, filter ...EventFilter) *Subscription {
	sub := newSubscription(eventType, handler, filter)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.mu.Unlock()
	eb.activeSubscribers.Add(1)

	eb.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)

	return sub
}

// SubscribeAll registers a handler for all event types
func (eb *EventBus) SubscribeAll(handler EventHandler, filter ...EventFilter) *Subscription {
	sub := newSubscription("*", handler, filter)

	eb.mu.Lock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.mu.Unlock()
	eb.activeSubscribers.Add(1)

	return sub
}

func newSubscription(eventType EventType, handler EventHandler, filter []EventFilter) *Subscription {
	sub := &Subscription{
		ID:        generateSubscriptionID(),
		EventType: eventType,
		Handler:   handler,
	}
	if len(filter) > 0 {
		sub.Filter = filter[0]
	}
	sub.active.Store(true)
	return sub
}

// Unsubscribe deactivates a subscription
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		eb.activeSubscribers.Add(-1)
	}
}

// Publish enqueues an event without blocking.
// If the task's shard is full or the bus is stopped, the event is dropped and counted.
func (eb *EventBus) Publish(event Event) {
	if eb.ctx.Err() != nil {
		eb.drop(event, "stopped")
		return
	}
	select {
	case eb.shardFor(event.TaskID) <- event:
		eb.eventsPublished.Add(1)
		eb.metrics.EventPublished(string(event.Type))
	default:
		eb.drop(event, "buffer full")
	}
}

func (eb *EventBus) drop(event Event, reason string) {
	eb.eventsDropped.Add(1)
	eb.metrics.EventDropped(string(event.Type))
	eb.logger.Debug("Event dropped",
		zap.String("reason", reason),
		zap.String("event_type", string(event.Type)),
		zap.String("task_id", event.TaskID),
	)
}

// GetStats returns current counters
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// Stop shuts down the event bus gracefully
func (eb *EventBus) Stop() {
	eb.logger.Info("Shutting down EventBus...")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("EventBus shutdown complete",
			zap.Int64("events_processed", eb.eventsProcessed.Load()),
			zap.Int64("events_dropped", eb.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		eb.logger.Warn("EventBus shutdown timed out")
	}
}
