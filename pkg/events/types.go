package events

import "time"

// EventType represents the type of event being published
type EventType string

const (
	// Payment events
	EventCheckoutCompleted   EventType = "payment.checkout_completed"
	EventPaymentFailed       EventType = "payment.failed"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventCreditsRefreshed    EventType = "credits.refreshed"

	// Metering events
	EventCreditsDeducted  EventType = "credits.deducted"
	EventGenerationDenied EventType = "generation.denied"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// AccountID is the account this event belongs to (optional for system events)
	AccountID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, accountID string, payload map[string]interface{}) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AccountID: accountID,
		Payload:   payload,
	}
}

// generateEventID generates a unique event ID
func generateEventID() string {
	return time.Now().Format("20060102150405.000000000")
}
