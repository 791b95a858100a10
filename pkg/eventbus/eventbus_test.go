package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type flakyTransport struct {
	bus       *MemoryBus
	failCount atomic.Int32
}

func (t *flakyTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if t.failCount.Load() > 0 {
		t.failCount.Add(-1)
		return errors.New("simulated transport outage")
	}
	return t.bus.Publish(ctx, subject, payload)
}

type telemetryProbe struct {
	retries  atomic.Int32
	degraded atomic.Bool
	failed   atomic.Int32
}

func (p *telemetryProbe) RecordPublish(status string) {
	if status == "failed" {
		p.failed.Add(1)
	}
}
func (p *telemetryProbe) RecordRetry()                { p.retries.Add(1) }
func (p *telemetryProbe) SetDegradedMode(active bool) { p.degraded.Store(active) }

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"hearth.v1.memory.stored.home", "hearth.v1.memory.stored.home", true},
		{"hearth.v1.memory.stored.>", "hearth.v1.memory.stored.home", true},
		{"hearth.v1.memory.>", "hearth.v1.cache.invalidated.home", false},
		{"hearth.v1.*.stored.home", "hearth.v1.memory.stored.home", true},
		{"hearth.v1.*.stored", "hearth.v1.memory.stored.home", false},
		{">", "anything.at.all", false},
		{".>", "anything.at.all", true},
	}

	for _, tt := range tests {
		if got := subjectMatches(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("subjectMatches(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestSubject_SanitizesProject(t *testing.T) {
	got := Subject(DomainMemory, EventMemoryStored, "acme.web app")
	want := "hearth.v1.memory.stored.acme_web_app"
	if got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
	if got := Subject(DomainSync, EventSyncCompleted, ""); got != "hearth.v1.sync.completed._all" {
		t.Errorf("Subject() with empty project = %q", got)
	}
}

func TestPublishConsume_OrderingAndDedup(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(EventWildcardSubject(DomainMemory, EventMemoryStored), 16)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	publisher, err := NewPublisher("node-1", bus, DefaultRetryConfig(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := publisher.Publish(ctx, Event{
			Domain:    DomainMemory,
			EventType: EventMemoryStored,
			ProjectID: "home",
			Payload:   MemoryStored{MemoryID: "m", ProjectID: "home"},
		})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	consumer := NewEnvelopeConsumer(16)
	var last int64
	for i := 0; i < 3; i++ {
		select {
		case msg := <-sub.C():
			envelope, duplicate, err := consumer.Decode(msg.Payload)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if duplicate {
				t.Fatal("unexpected duplicate")
			}
			if envelope.Sequence != last+1 {
				t.Fatalf("expected sequence %d, got %d", last+1, envelope.Sequence)
			}
			last = envelope.Sequence

			var payload MemoryStored
			if err := envelope.Decode(&payload); err != nil {
				t.Fatalf("Envelope.Decode() error = %v", err)
			}
			if payload.ProjectID != "home" {
				t.Errorf("expected project home, got %q", payload.ProjectID)
			}

			if _, duplicate, _ := consumer.Decode(msg.Payload); !duplicate {
				t.Error("expected redelivery to be flagged duplicate")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestPublisher_DegradedModeAndRecovery(t *testing.T) {
	transport := &flakyTransport{bus: NewMemoryBus()}
	transport.failCount.Store(4)

	telemetry := &telemetryProbe{}
	publisher, err := NewPublisher("node-1", transport, RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}, telemetry)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	event := Event{Domain: DomainCache, EventType: EventCacheInvalidated, ProjectID: "p"}
	if _, err := publisher.Publish(context.Background(), event); err == nil {
		t.Fatal("expected publish failure during outage")
	}
	if !publisher.Degraded() || !telemetry.degraded.Load() {
		t.Fatal("expected degraded mode")
	}
	if telemetry.retries.Load() != 2 || telemetry.failed.Load() != 1 {
		t.Fatalf("unexpected telemetry: retries=%d failed=%d", telemetry.retries.Load(), telemetry.failed.Load())
	}

	transport.failCount.Store(0)
	if _, err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("expected publish success after recovery, got %v", err)
	}
	if publisher.Degraded() || telemetry.degraded.Load() {
		t.Fatal("expected publisher to leave degraded mode")
	}
}

func TestMemoryBus_DropsOnFullBuffer(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe("a.b", 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "a.b", []byte("x")); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if bus.Dropped() != 2 {
		t.Errorf("expected 2 dropped deliveries, got %d", bus.Dropped())
	}

	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}
	sub.Close()
	sub.Close()
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers after close, got %d", bus.SubscriberCount())
	}
	if err := bus.Publish(ctx, "a.b", []byte("x")); err != nil {
		t.Errorf("Publish() after close error = %v", err)
	}
}

type recordingWarnLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingWarnLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg+" "+fmt.Sprint(args...))
}

func TestMemoryBus_LogsDroppedDeliveries(t *testing.T) {
	log := &recordingWarnLogger{}
	bus := NewMemoryBus(WithBusLogger(log))
	sub, err := bus.Subscribe("memory.stored.>", 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "memory.stored.home", []byte("x")); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if bus.Dropped() != 4 {
		t.Fatalf("expected 4 dropped deliveries, got %d", bus.Dropped())
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.warns) != 1 {
		t.Fatalf("expected one throttled warning, got %d: %v", len(log.warns), log.warns)
	}
	if want := "memory.stored.home"; !strings.Contains(log.warns[0], want) {
		t.Errorf("expected warning to name subject %q, got %q", want, log.warns[0])
	}
}

func TestNewPublisher_Validation(t *testing.T) {
	bus := NewMemoryBus()
	if _, err := NewPublisher("", bus, DefaultRetryConfig(), nil); err == nil {
		t.Error("expected error for empty node id")
	}
	if _, err := NewPublisher("n", nil, DefaultRetryConfig(), nil); err == nil {
		t.Error("expected error for nil transport")
	}
	if _, err := NewPublisher("n", bus, RetryConfig{MaxRetries: 1}, nil); err == nil {
		t.Error("expected error for invalid retry config")
	}
}
