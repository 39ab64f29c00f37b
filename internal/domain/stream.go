package domain

// StreamEvent is one unit of the live response channel.
// Exactly one of the payload fields is meaningful for a given Kind.
type StreamEvent struct {
	Kind EventKind
	// Seq is the server sequence marker, zero when the server does not send one.
	Seq int64

	Start   *StartEventData
	Delta   *DeltaEventData
	Sources *SourcesEventData
	Error   *ErrorEventData
	Done    *DoneEventData
}

// StartEventData names the assistant message about to be streamed.
type StartEventData struct {
	MessageID string `json:"messageId,omitempty"`
	Agent     string `json:"agent,omitempty"`
}

// DeltaEventData is the data for a delta event.
type DeltaEventData struct {
	Content string `json:"content"`
}

// SourcesEventData is the data for a sources event.
type SourcesEventData struct {
	Sources []Source `json:"sources"`
}

// ErrorEventData is the data for an error event.
type ErrorEventData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// DoneEventData is the data for a done event.
type DoneEventData struct {
	MessageID string `json:"messageId,omitempty"`
}
