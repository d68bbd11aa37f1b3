package points

import "time"

// Outcomes reported to a Recorder.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Recorder receives operation metrics. See package metrics.
type Recorder interface {
	ObserveOperation(op, outcome string, d time.Duration)
	ObserveCache(hit bool)
}

type NopRecorder struct{}

func (NopRecorder) ObserveOperation(string, string, time.Duration) {}
func (NopRecorder) ObserveCache(bool)                              {}
