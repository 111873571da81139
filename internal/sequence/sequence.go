// Package sequence defines the ordering keys for chat messages. Every
// outgoing message gets a provisional key at creation time; the authority
// replaces it with a canonical key on confirmation. Within a conversation,
// confirmed messages order by canonical key and still-pending local messages
// display after them, ordered by their provisional counter.
package sequence

import "fmt"

// Provisional is the client-assigned key: the sender id plus a per-sender,
// per-conversation counter that increases monotonically and never resets.
type Provisional struct {
	Sender  string
	Counter int64
}

// Canonical is the authority-assigned key, authoritative once issued.
type Canonical struct {
	Timestamp int64 // server wall clock, unix millis
	Seq       int64 // server sequence number, tie-breaker
}

// Zero reports whether c has not been assigned.
func (c Canonical) Zero() bool {
	return c.Timestamp == 0 && c.Seq == 0
}

// Less orders canonical keys: by server timestamp, then sequence number.
func (c Canonical) Less(other Canonical) bool {
	if c.Timestamp != other.Timestamp {
		return c.Timestamp < other.Timestamp
	}
	return c.Seq < other.Seq
}

func (c Canonical) String() string {
	return fmt.Sprintf("(%d,%d)", c.Timestamp, c.Seq)
}

func (p Provisional) String() string {
	return fmt.Sprintf("(%s,%d)", p.Sender, p.Counter)
}
