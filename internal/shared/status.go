package shared

import "fmt"

// PipelineStatus is the coarse, user-visible state of the pipeline. It is
// derived from buffer counts and credential presence only; root-cause detail
// stays in the logs.
type PipelineStatus string

const (
	StatusNotRegistered PipelineStatus = "not-registered"
	StatusOnline        PipelineStatus = "online"
	StatusBuffering     PipelineStatus = "buffering"
	StatusError         PipelineStatus = "error"
)

// Summary is a coarse health readout shared by the daemon status command and
// the companion session agent's status view.
type Summary struct {
	Status  PipelineStatus
	Pending int
	Failed  int
}

// Summarize derives the coarse status from buffer counts and credential
// presence. Failed rows dominate pending rows: a device that is both behind
// and failing shows "error".
func Summarize(registered bool, pending, failed int) Summary {
	s := Summary{Pending: pending, Failed: failed}
	switch {
	case !registered:
		s.Status = StatusNotRegistered
	case failed > 0:
		s.Status = StatusError
	case pending > 0:
		s.Status = StatusBuffering
	default:
		s.Status = StatusOnline
	}
	return s
}

// String renders the summary in the fixed coarse vocabulary.
func (s Summary) String() string {
	switch s.Status {
	case StatusBuffering:
		return fmt.Sprintf("buffering (%d pending)", s.Pending)
	case StatusError:
		return fmt.Sprintf("error (%d failed)", s.Failed)
	default:
		return string(s.Status)
	}
}
