package eventbus

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultSeenEvents bounds the duplicate-suppression window.
const defaultSeenEvents = 4096

// EnvelopeConsumer decodes envelopes and suppresses duplicate deliveries of
// recently seen event ids.
type EnvelopeConsumer struct {
	seen *lru.Cache[string, struct{}]
}

// NewEnvelopeConsumer creates a consumer remembering up to window event ids.
func NewEnvelopeConsumer(window int) *EnvelopeConsumer {
	if window <= 0 {
		window = defaultSeenEvents
	}
	seen, _ := lru.New[string, struct{}](window)
	return &EnvelopeConsumer{seen: seen}
}

// Decode decodes raw event bytes. duplicate is true when the event id was
// already delivered.
func (c *EnvelopeConsumer) Decode(raw []byte) (envelope Envelope, duplicate bool, err error) {
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, false, fmt.Errorf("eventbus: invalid envelope json: %w", err)
	}
	if envelope.EventID == "" {
		return Envelope{}, false, fmt.Errorf("eventbus: envelope missing event id")
	}
	if envelope.SchemaVersion != "" && envelope.SchemaVersion != SchemaVersionV1 {
		return Envelope{}, false, fmt.Errorf("eventbus: unsupported schema version %q", envelope.SchemaVersion)
	}

	if ok, _ := c.seen.ContainsOrAdd(envelope.EventID, struct{}{}); ok {
		return envelope, true, nil
	}
	return envelope, false, nil
}
