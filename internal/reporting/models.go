package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call outcomes.
// WidgetID zero means all widgets.
type CallsSummaryRequest struct {
	Range    TimeRange `json:"range"`
	WidgetID int64     `json:"widget_id,omitempty"`
}

type CallsSummary struct {
	WidgetID int64 `json:"widget_id,omitempty"`

	TotalCalls      int `json:"total_calls"`
	InitiatedCalls  int `json:"initiated_calls"`
	RingingCalls    int `json:"ringing_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	CompletedCalls  int `json:"completed_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	CanceledCalls   int `json:"canceled_calls"`

	// ByState counts calls per internal state.
	ByState map[string]int `json:"by_state"`

	// ReachedDestination counts calls whose origin party was confirmed human.
	ReachedDestination int `json:"reached_destination"`

	// BridgeRate is completed calls over total calls.
	BridgeRate float64 `json:"bridge_rate"`
	// RedirectRate is ReachedDestination over total calls.
	RedirectRate float64 `json:"redirect_rate"`
}
