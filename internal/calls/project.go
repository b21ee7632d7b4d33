package calls

// ExternalStatus is the lossy status reported to callers polling progress.
type ExternalStatus string

const (
	ExternalInitiated  ExternalStatus = "initiated"
	ExternalRinging    ExternalStatus = "ringing"
	ExternalInProgress ExternalStatus = "in-progress"
	ExternalCompleted  ExternalStatus = "completed"
	ExternalCanceled   ExternalStatus = "canceled"
	ExternalNoAnswer   ExternalStatus = "no-answer"
)

func Project(s State) ExternalStatus {
	switch s {
	case StateInitiated, StateRinging, StateAnswered:
		return ExternalInitiated
	case StateRedirecting, StateDestinationRinging, StateDestinationAnswered:
		return ExternalRinging
	case StateConnected:
		return ExternalInProgress
	case StateCompleted:
		return ExternalCompleted
	case StateNoAnswer:
		return ExternalNoAnswer
	default:
		return ExternalCanceled
	}
}
