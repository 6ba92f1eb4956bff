// Package events provides the in-process event bus. Published events
// are appended to the catalog event log and fanned out to live
// subscribers (the websocket endpoint).
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/shrinkray/internal/database"
)

// Event is one bus message.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Common event types.
const (
	TypeScanCompleted     = "scan_completed"
	TypeSessionCompleted  = "session_completed"
	TypeCompressionError  = "compression_error"
	TypeDiskSpaceError    = "disk_space_error"
	TypeDependencyMissing = "dependency_check_failed"
	TypeDatabaseBackup    = "database_backup"
	TypeConfigReloaded    = "config_reloaded"
	TypeFileChanged       = "file_changed"
)

const subscriberBuffer = 64

// Bus fans events out to subscribers and persists them.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event

	store *database.Store
	log   hclog.Logger
}

// NewBus creates a bus backed by the given catalog store.
func NewBus(store *database.Store, log hclog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
		store:       store,
		log:         log.Named("events"),
	}
}

// Publish persists the event and delivers it to all live subscribers.
// Slow subscribers are skipped rather than blocking the publisher.
func (b *Bus) Publish(eventType, details, severity string) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Details:   details,
		Severity:  severity,
		Timestamp: time.Now(),
	}

	if b.store != nil {
		if err := b.store.LogEvent(eventType, details, severity); err != nil {
			b.log.Error("failed to persist event", "type", eventType, "error", err)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.log.Warn("dropping event for slow subscriber", "subscriber", id)
		}
	}
}

// Subscribe registers a live listener and returns its id and channel.
func (b *Bus) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}
