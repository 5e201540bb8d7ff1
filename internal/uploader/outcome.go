package uploader

import "time"

// Outcome classifies one delivery attempt. Every attempt yields exactly one
// of these; only Success leads to MarkSent.
type Outcome string

const (
	OutcomeSuccess         Outcome = "Success"
	OutcomeRateLimited     Outcome = "RateLimited"
	OutcomeNetworkError    Outcome = "NetworkError"
	OutcomePermanentReject Outcome = "PermanentReject"
	OutcomeOtherFailure    Outcome = "OtherFailure"
)

// Result is the classified outcome of a delivery attempt.
type Result struct {
	Outcome Outcome

	// Reason is the distinguishing failure reason recorded on the rows.
	Reason string

	// RetryAfter carries the server's throttle hint when present.
	RetryAfter time.Duration
}
