package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var (
	errResponseStarted = errors.New("response already started")
	errResponseEnded   = errors.New("response already ended")
)

// responseSink streams transcripts to one HTTP response. Every write is the
// latest full transcript, unframed. It is used from a single session goroutine.
type responseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	ended   bool
}

func newResponseSink(w http.ResponseWriter, rc *http.ResponseController) *responseSink {
	return &responseSink{w: w, rc: rc}
}

// start commits the streaming headers.
func (s *responseSink) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *responseSink) Write(transcript string) error {
	if s.ended {
		return errResponseEnded
	}
	if !s.started {
		s.start()
	}
	if _, err := io.WriteString(s.w, transcript); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Fail sends status with a JSON {"message"} body. Once any transcript was
// written the status can no longer change, so it returns an error instead.
func (s *responseSink) Fail(status int, message string) error {
	if s.started {
		s.ended = true
		return errResponseStarted
	}
	if s.ended {
		return errResponseEnded
	}
	s.ended = true

	s.w.Header().Set("Content-Type", "application/json")
	s.w.WriteHeader(status)
	return json.NewEncoder(s.w).Encode(struct {
		Message string `json:"message"`
	}{Message: message})
}

// Close ends the stream. A session without any transcript still gets the
// streaming headers and an empty body.
func (s *responseSink) Close() error {
	if s.ended {
		return nil
	}
	if !s.started {
		s.start()
	}
	s.ended = true
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
