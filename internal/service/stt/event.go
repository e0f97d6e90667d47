package stt

import (
	"encoding/json"
	"fmt"
)

// Token is one recognized unit of speech.
type Token struct {
	Text       string  `json:"text"`
	StartMs    *int64  `json:"start_ms,omitempty"`
	EndMs      *int64  `json:"end_ms,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	IsFinal    bool    `json:"is_final"`
	Language   string  `json:"language,omitempty"`
}

// Event is one message received from the recognition service.
type Event struct {
	Tokens           []Token `json:"tokens"`
	FinalAudioProcMs int64   `json:"final_audio_proc_ms"`
	TotalAudioProcMs int64   `json:"total_audio_proc_ms"`
	ErrorCode        int     `json:"error_code,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	Finished         bool    `json:"finished,omitempty"`
}

// Err returns a *ProtocolError if the service reported an error in this event.
func (e Event) Err() error {
	if e.ErrorCode == 0 && e.ErrorMessage == "" {
		return nil
	}
	return &ProtocolError{Code: e.ErrorCode, Message: e.ErrorMessage}
}

// DecodeEvent parses a JSON recognition event.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, &MalformedEventError{Size: len(payload), Err: err}
	}
	return ev, nil
}

// Ms is a helper for building tokens with a start offset.
func Ms(v int64) *int64 {
	return &v
}

// String renders a token for debug logs.
func (t Token) String() string {
	if t.StartMs == nil {
		return fmt.Sprintf("%q(final=%v)", t.Text, t.IsFinal)
	}
	return fmt.Sprintf("%q@%d(final=%v)", t.Text, *t.StartMs, t.IsFinal)
}
