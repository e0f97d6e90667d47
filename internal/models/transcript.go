// Package models defines the data structures for published bridge events.
package models

// Event types carried in the eventType field and the Kafka header.
const (
	EventTranscriptUpdated = "transcript.updated"
	EventSessionEnded      = "session.ended"
)

// Session outcomes reported in SessionEnded.
const (
	OutcomeCompleted   = "completed"
	OutcomeUpstreamErr = "upstream_error"
	OutcomeInboundErr  = "inbound_error"
	OutcomeSinkErr     = "sink_error"
	OutcomeTimeout     = "finish_timeout"
)

// TranscriptUpdated is emitted every time the consolidated transcript of a session changes.
type TranscriptUpdated struct {
	EventType string `json:"eventType" validate:"eq=transcript.updated"`
	SessionID string `json:"sessionId" validate:"required"`
	Provider  string `json:"sttProvider" validate:"required"`
	Timestamp int64  `json:"timestamp" validate:"gt=0"`
	Sequence  int    `json:"sequence" validate:"gte=1"`
	Text      string `json:"text" validate:"required"`
}

// SessionEnded is emitted once per session when it reaches a terminal state.
type SessionEnded struct {
	EventType    string `json:"eventType" validate:"eq=session.ended"`
	SessionID    string `json:"sessionId" validate:"required"`
	Provider     string `json:"sttProvider" validate:"required"`
	Timestamp    int64  `json:"timestamp" validate:"gt=0"`
	Outcome      string `json:"outcome" validate:"oneof=completed upstream_error inbound_error sink_error finish_timeout"`
	Transcript   string `json:"transcript"`
	FinalState   string `json:"finalState" validate:"required"`
	Updates      int    `json:"updates" validate:"gte=0"`
	AudioBytes   int64  `json:"audioBytes" validate:"gte=0"`
	AudioFrames  int64  `json:"audioFrames" validate:"gte=0"`
	DurationMs   int64  `json:"durationMs" validate:"gte=0"`
	ErrorKind    string `json:"errorKind,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty" validate:"required_with=ErrorKind"`
}
