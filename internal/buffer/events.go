package buffer

import "time"

// EventType is the closed enumeration of capture event kinds.
type EventType string

const (
	EventAppFocus      EventType = "app_focus"
	EventAppUsage      EventType = "app_usage"
	EventIdleStart     EventType = "idle_start"
	EventIdleEnd       EventType = "idle_end"
	EventSessionLock   EventType = "session_lock"
	EventSessionUnlock EventType = "session_unlock"
	EventHeartbeat     EventType = "heartbeat"
)

// WorkFlag is the tri-state work classification attached by capture.
type WorkFlag int8

const (
	WorkUnknown WorkFlag = iota // stored as NULL
	WorkRelated
	WorkUnrelated
)

// Status is the delivery lifecycle state of a buffered event.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
)

// allowedTransitions is the only legal movement through the lifecycle.
// PENDING|FAILED -> PROCESSING -> {SENT|FAILED}; the PROCESSING -> PENDING
// edge is the crash-recovery requeue.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusProcessing: {},
	},
	StatusFailed: {
		StatusProcessing: {},
	},
	StatusProcessing: {
		StatusSent:    {},
		StatusFailed:  {},
		StatusPending: {}, // Stale-claim requeue.
	},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Event is one captured interaction record. Rows are created by capture
// components and mutated only by the upload scheduler and the capacity
// eviction pass.
type Event struct {
	ID              int64
	Type            EventType
	Timestamp       time.Time
	SubjectIdentity string

	ApplicationName string
	ApplicationPath string
	WindowTitle     string
	WorkFlag        WorkFlag
	Metadata        map[string]string

	Status       Status
	RetryCount   int
	Permanent    bool
	CreatedAt    time.Time
	ClaimedAt    *time.Time
	SentAt       *time.Time
	ErrorMessage string
}
