package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Transport publishes bytes to a subject.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Telemetry records publish outcomes and degraded-mode transitions.
type Telemetry interface {
	RecordPublish(status string)
	RecordRetry()
	SetDegradedMode(active bool)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(status string) {}
func (nopTelemetry) RecordRetry()                {}
func (nopTelemetry) SetDegradedMode(active bool) {}

// RetryConfig controls retry/backoff behavior for publish attempts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		BackoffFactor:  2,
	}
}

// Event is the publish input.
type Event struct {
	Domain    Domain
	EventType string
	ProjectID string
	Payload   any
	// OrderingKey defaults to the project id, then to the domain.
	OrderingKey string
}

// Publisher wraps events in envelopes and publishes them to a transport.
type Publisher struct {
	transport Transport
	nodeID    string
	retry     RetryConfig
	telemetry Telemetry

	mu        sync.Mutex
	sequences map[string]int64
	degraded  bool
}

// NewPublisher creates a publisher.
func NewPublisher(nodeID string, transport Transport, retry RetryConfig, telemetry Telemetry) (*Publisher, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("eventbus: node id cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("eventbus: transport cannot be nil")
	}
	if retry.MaxRetries < 0 {
		return nil, fmt.Errorf("eventbus: max retries cannot be negative")
	}
	if retry.InitialBackoff <= 0 || retry.MaxBackoff <= 0 || retry.BackoffFactor < 1 {
		return nil, fmt.Errorf("eventbus: invalid retry config")
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &Publisher{
		transport: transport,
		nodeID:    nodeID,
		retry:     retry,
		telemetry: telemetry,
		sequences: make(map[string]int64),
	}, nil
}

// Publish publishes an event, retrying transport failures with backoff.
func (p *Publisher) Publish(ctx context.Context, event Event) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if event.EventType == "" {
		return Envelope{}, fmt.Errorf("eventbus: event type cannot be empty")
	}
	if event.Domain == "" {
		return Envelope{}, fmt.Errorf("eventbus: domain cannot be empty")
	}

	orderingKey := event.OrderingKey
	if orderingKey == "" {
		orderingKey = event.ProjectID
	}
	if orderingKey == "" {
		orderingKey = string(event.Domain)
	}

	envelope, err := BuildEnvelope(BuildEnvelopeInput{
		Domain:      event.Domain,
		EventType:   event.EventType,
		NodeID:      p.nodeID,
		ProjectID:   event.ProjectID,
		OrderingKey: orderingKey,
		Sequence:    p.nextSequence(orderingKey),
		Payload:     event.Payload,
	})
	if err != nil {
		return Envelope{}, err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	subject := Subject(event.Domain, event.EventType, event.ProjectID)
	backoff := p.retry.InitialBackoff
	var publishErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		publishErr = p.transport.Publish(ctx, subject, body)
		if publishErr == nil {
			p.telemetry.RecordPublish("success")
			p.setDegraded(false)
			return envelope, nil
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		p.telemetry.RecordRetry()
		p.setDegraded(true)

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, p.retry.MaxBackoff, p.retry.BackoffFactor)
	}

	p.telemetry.RecordPublish("failed")
	p.setDegraded(true)
	return Envelope{}, fmt.Errorf("eventbus: publish %s failed: %w", subject, publishErr)
}

// Degraded reports whether the last publish attempt failed.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) nextSequence(orderingKey string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequences[orderingKey]++
	return p.sequences[orderingKey]
}

func (p *Publisher) setDegraded(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded == active {
		return
	}
	p.degraded = active
	p.telemetry.SetDegradedMode(active)
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
