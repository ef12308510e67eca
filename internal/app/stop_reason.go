package app

// StopReason tags shutdowns so logs tell an operator why the process exited.
type StopReason string

const (
	StopReasonSignal StopReason = "signal"
	StopReasonFatal  StopReason = "fatal"
)
