package bus

// Buffer event topics.
const (
	TopicEventAdded      = "buffer.event_added"
	TopicCapacityEvicted = "buffer.capacity_evicted"
	TopicStaleRequeued   = "buffer.stale_requeued"
)

// Upload event topics.
const (
	TopicBatchSent     = "upload.batch_sent"
	TopicBatchFailed   = "upload.batch_failed"
	TopicOutageEntered = "upload.outage_entered"
	TopicOutageCleared = "upload.outage_cleared"
)

// Session supervisor topics.
const (
	TopicCompanionLaunched = "session.companion_launched"
)

// EventAdded is published when a captured event lands in the buffer.
type EventAdded struct {
	ID        int64  // Row id assigned by the buffer
	EventType string // Closed event-type enumeration value
}

// CapacityEvicted is published after a capacity-enforcement pass deletes rows.
type CapacityEvicted struct {
	Deleted int // Rows removed by the pass
}

// BatchOutcome is published after each delivery attempt.
type BatchOutcome struct {
	BatchID string // Upload batch id
	Size    int    // Events in the batch
	Outcome string // Success, RateLimited, NetworkError, PermanentReject, OtherFailure
	Reason  string // Distinguishing reason for failures, redacted
}

// OutageChange is published when the scheduler enters or leaves outage mode.
type OutageChange struct {
	ConsecutiveErrors int
	Delay             string // Human-readable next-attempt delay
}

// CompanionLaunched is published when the supervisor starts a companion
// process in an interactive session.
type CompanionLaunched struct {
	SessionID string
	User      string
}
