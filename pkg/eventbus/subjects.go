package eventbus

import (
	"fmt"
	"strings"
)

const (
	// SubjectPrefix is the canonical prefix for substrate events.
	SubjectPrefix = "hearth.v1"
)

// Domain identifies the component an event originates from.
type Domain string

const (
	DomainMemory  Domain = "memory"
	DomainCache   Domain = "cache"
	DomainPattern Domain = "pattern"
	DomainSync    Domain = "sync"
)

// Event types.
const (
	EventMemoryStored     = "stored"
	EventCacheInvalidated = "invalidated"
	EventPatternCreated   = "created"
	EventPatternUpdated   = "updated"
	EventPatternPromoted  = "promoted"
	EventSyncCompleted    = "completed"
)

// Subject returns the canonical subject <prefix>.<domain>.<event>.<project>.
func Subject(domain Domain, eventType, projectID string) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, sanitizeSegment(string(domain)), sanitizeSegment(eventType), sanitizeSegment(projectID))
}

// EventWildcardSubject matches one event type of a domain across projects.
func EventWildcardSubject(domain Domain, eventType string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, sanitizeSegment(string(domain)), sanitizeSegment(eventType))
}

// DomainWildcardSubject returns canonical wildcard subject for a domain.
func DomainWildcardSubject(domain Domain) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, sanitizeSegment(string(domain)))
}

// sanitizeSegment keeps a value inside a single subject token.
func sanitizeSegment(value string) string {
	if value == "" {
		return "_all"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(value)
}
