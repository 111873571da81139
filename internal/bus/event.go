package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "job." for job changes, "message." for message
// changes, "mutation." for queue outcomes, "net." for connectivity
// transitions, "session." for runtime status and "sync." for engine progress.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
