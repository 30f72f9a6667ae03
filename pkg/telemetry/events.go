package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the fixpoint engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Run is the associated run name, if applicable.
	Run string `json:"run,omitempty"`

	// Tag is the associated chunk tag, if applicable.
	Tag string `json:"tag,omitempty"`

	// State is the associated state ref, if applicable.
	State string `json:"state,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunFinished     = "run.finished"
	EventTypeRunFailed       = "run.failed"
	EventTypeCompileFinished = "compile.finished"
	EventTypeChunkStarted    = "chunk.started"
	EventTypeChunkResult     = "chunk.result"
	EventTypeReconcileRerun  = "reconcile.rerun"
	EventTypePolicyViolation = "policy.violation"
	EventTypeError           = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	// Start the periodic flush goroutine
	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(run, runID string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		Run:     run,
		Message: fmt.Sprintf("Run %s started", run),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"run_id": runID,
		},
	})
}

// PublishRunFinished publishes a run finished event.
func (ep *EventPublisher) PublishRunFinished(run, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFinished,
		Source:  "engine",
		Run:     run,
		Message: fmt.Sprintf("Run %s finished with status: %s", run, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(run, status, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "engine",
		Run:     run,
		Message: fmt.Sprintf("Run %s failed: %s", run, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"status": status,
			"reason": reason,
		},
	})
}

// PublishCompileFinished publishes a compile finished event.
func (ep *EventPublisher) PublishCompileFinished(run string, chunks, errors int) error {
	return ep.Publish(Event{
		Type:    EventTypeCompileFinished,
		Source:  "compiler",
		Run:     run,
		Message: fmt.Sprintf("Run %s compiled %d chunks (%d errors)", run, chunks, errors),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"chunks": chunks,
			"errors": errors,
		},
	})
}

// PublishChunkStarted publishes a chunk started event.
func (ep *EventPublisher) PublishChunkStarted(run, tag, stateRef, fun string) error {
	return ep.Publish(Event{
		Type:    EventTypeChunkStarted,
		Source:  "runtime",
		Run:     run,
		Tag:     tag,
		State:   stateRef,
		Message: fmt.Sprintf("Chunk %s started: %s.%s", tag, stateRef, fun),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"fun": fun,
		},
	})
}

// PublishChunkResult publishes a chunk result event.
func (ep *EventPublisher) PublishChunkResult(run, tag, stateRef, result string, changed bool, duration time.Duration) error {
	level := EventLevelInfo
	if result == "false" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeChunkResult,
		Source:  "runtime",
		Run:     run,
		Tag:     tag,
		State:   stateRef,
		Message: fmt.Sprintf("Chunk %s result: %s", tag, result),
		Level:   level,
		Data: map[string]interface{}{
			"result":   result,
			"changed":  changed,
			"duration": duration.Seconds(),
		},
	})
}

// PublishReconcileRerun publishes a reconciliation re-run event.
func (ep *EventPublisher) PublishReconcileRerun(run string, rerun, pending int, wait time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeReconcileRerun,
		Source:  "reconcile",
		Run:     run,
		Message: fmt.Sprintf("Run %s reconcile re-run %d: %d pending", run, rerun, pending),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"rerun":   rerun,
			"pending": pending,
			"wait":    wait.Seconds(),
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(run, policyName, severity, reason string) error {
	level := EventLevelWarning
	if severity == "error" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		Run:     run,
		Message: fmt.Sprintf("Policy violation in run %s: %s - %s", run, policyName, reason),
		Level:   level,
		Data: map[string]interface{}{
			"policy":   policyName,
			"severity": severity,
			"reason":   reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// periodicFlush flushes events periodically.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Trigger flush by draining buffer
			// This is handled by the processEvents goroutine
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRun creates a filter that only allows events for a specific run.
func FilterByRun(run string) EventFilter {
	return func(event Event) bool {
		return event.Run == run
	}
}

// FilterByTag creates a filter that only allows events for a specific chunk tag.
func FilterByTag(tag string) EventFilter {
	return func(event Event) bool {
		return event.Tag == tag
	}
}
