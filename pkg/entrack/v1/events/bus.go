package events

import "time"

// EventType identifies what happened to the identity map.
type EventType string

// Identity map and context events.
const (
	EntryAdded         EventType = "EntryAdded"         // new entry in Added state
	EntryAttached      EventType = "EntryAttached"      // new entry in Unchanged state (attach or query merge)
	EntryStateChanged  EventType = "EntryStateChanged"  // any transition between non-Detached states
	EntryDetached      EventType = "EntryDetached"      // entry evicted from the map
	KeyFixedUp         EventType = "KeyFixedUp"         // temporary key replaced by a permanent one
	RefreshBatchIssued EventType = "RefreshBatchIssued" // one bounded refresh query sent to the store
	ChangesSaved       EventType = "ChangesSaved"       // SaveChanges completed
	ConnectionOpened   EventType = "ConnectionOpened"
	ConnectionClosed   EventType = "ConnectionClosed"
)

// Event describes one change observed by the context. Payload never contains
// entity member values, only counts and state names.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	EntitySet string                 `json:"entity_set,omitempty"`
	Key       string                 `json:"key,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Bus publishes events. Emit must not block the caller for long because it is
// invoked from inside identity-map mutations; listeners must never call back
// into the context that emitted the event.
type Bus interface {
	Emit(event Event)
}
