package pacer

// Outcome is the terminal state of one paced call.
type Outcome int

const (
	// Completed means the call acquired a token and its body succeeded.
	Completed Outcome = iota
	// Failed means the call acquired a token and its body returned an error
	// or panicked. It counts as an exception.
	Failed
	// TimedOut means no token became available within the timeout.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}
