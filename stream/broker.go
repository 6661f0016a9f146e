package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/budget"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/ext"
	"github.com/loomworks/loom/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Broker)(nil)
	_ ext.WorkflowStarted     = (*Broker)(nil)
	_ ext.StateChanged        = (*Broker)(nil)
	_ ext.WorkflowCompleted   = (*Broker)(nil)
	_ ext.WorkflowFailed      = (*Broker)(nil)
	_ ext.StepCompleted       = (*Broker)(nil)
	_ ext.StepFailed          = (*Broker)(nil)
	_ ext.StepSkipped         = (*Broker)(nil)
	_ ext.BudgetDenied        = (*Broker)(nil)
	_ ext.BudgetSettled       = (*Broker)(nil)
	_ ext.InterventionApplied = (*Broker)(nil)
	_ ext.Shutdown            = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext.Extension
// interface to receive lifecycle events and fans them out to subscribers
// via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., API handlers).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publish creates an event and broadcasts it to all matching topics.
func (b *Broker) publish(evt *Event) {
	topics := resolveTopics(evt)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ── Workflow lifecycle hooks ────────────────────────

func (b *Broker) OnWorkflowStarted(_ context.Context, in *workflow.Instance) error {
	b.publish(&Event{
		Type:      EventWorkflowStarted,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(in.ID.String()),
		Data: mustMarshal(WorkflowEventData{
			WorkflowID: in.ID.String(),
			TemplateID: in.TemplateID,
			State:      string(in.State),
			Remaining:  in.BudgetRemaining,
		}),
	})
	return nil
}

func (b *Broker) OnStateChanged(_ context.Context, in *workflow.Instance, from, to workflow.State) error {
	b.publish(&Event{
		Type:      EventStateChanged,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(in.ID.String()),
		Data: mustMarshal(WorkflowEventData{
			WorkflowID: in.ID.String(),
			TemplateID: in.TemplateID,
			FromState:  string(from),
			State:      string(to),
			Remaining:  in.BudgetRemaining,
		}),
	})
	return nil
}

func (b *Broker) OnWorkflowCompleted(_ context.Context, in *workflow.Instance, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventWorkflowCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(in.ID.String()),
		Data: mustMarshal(WorkflowEventData{
			WorkflowID: in.ID.String(),
			TemplateID: in.TemplateID,
			State:      string(in.State),
			ElapsedMs:  elapsed.Milliseconds(),
			Remaining:  in.BudgetRemaining,
		}),
	})
	return nil
}

func (b *Broker) OnWorkflowFailed(_ context.Context, in *workflow.Instance, wfErr error) error {
	b.publish(&Event{
		Type:      EventWorkflowFailed,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(in.ID.String()),
		Data: mustMarshal(WorkflowEventData{
			WorkflowID: in.ID.String(),
			TemplateID: in.TemplateID,
			State:      string(in.State),
			Error:      wfErr.Error(),
		}),
	})
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

func (b *Broker) OnStepCompleted(_ context.Context, in *workflow.Instance, cp *checkpoint.Checkpoint, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventStepCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(in.ID.String()),
		Data: mustMarshal(StepEventData{
			WorkflowID: in.ID.String(),
			TemplateID: in.TemplateID,
			StepID:     cp.StepID,
			AgentID:    cp.AgentID,
			Cost:       cp.CostIncurred,
			ElapsedMs:  elapsed.Milliseconds(),
		}),
	})
	return nil
}

func (b *Broker) OnStepFailed(_ context.Context, in *workflow.Instance, stepID string, stepErr error) error {
	b.publish(&Event{
		Type:      EventStepFailed,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(in.ID.String()),
		Data: mustMarshal(StepEventData{
			WorkflowID: in.ID.String(),
			TemplateID: in.TemplateID,
			StepID:     stepID,
			Error:      stepErr.Error(),
		}),
	})
	return nil
}

func (b *Broker) OnStepSkipped(_ context.Context, in *workflow.Instance, stepID string) error {
	b.publish(&Event{
		Type:      EventStepSkipped,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(in.ID.String()),
		Data: mustMarshal(StepEventData{
			WorkflowID: in.ID.String(),
			TemplateID: in.TemplateID,
			StepID:     stepID,
		}),
	})
	return nil
}

// ── Budget hooks ────────────────────────────────────

func (b *Broker) OnBudgetDenied(_ context.Context, in *workflow.Instance, stepID string, d budget.Decision) error {
	b.publish(&Event{
		Type:      EventBudgetDenied,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(in.ID.String()),
		Data: mustMarshal(BudgetEventData{
			WorkflowID: in.ID.String(),
			StepID:     stepID,
			Estimate:   d.Estimate,
			Remaining:  in.BudgetRemaining,
			Reason:     d.Reason,
		}),
	})
	return nil
}

func (b *Broker) OnBudgetSettled(_ context.Context, in *workflow.Instance, e *budget.CostLedgerEntry) error {
	b.publish(&Event{
		Type:      EventBudgetSettled,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(in.ID.String()),
		Data: mustMarshal(BudgetEventData{
			WorkflowID: in.ID.String(),
			StepID:     e.StepID,
			Cost:       e.Cost,
			Remaining:  in.BudgetRemaining,
		}),
	})
	return nil
}

// ── Other hooks ─────────────────────────────────────

func (b *Broker) OnInterventionApplied(_ context.Context, in *workflow.Instance, op workflow.Op) error {
	b.publish(&Event{
		Type:      EventInterventionApplied,
		Timestamp: time.Now().UTC(),
		Topic:     WorkflowTopic(in.ID.String()),
		Data: mustMarshal(InterventionEventData{
			WorkflowID: in.ID.String(),
			Op:         string(op),
			State:      string(in.State),
		}),
	})
	return nil
}

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
