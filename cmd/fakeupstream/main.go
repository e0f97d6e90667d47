// Command fakeupstream is a local websocket recognizer speaking the upstream
// streaming protocol, for running the bridge end to end without credentials.
//
//	SONIOX_WEBSOCKET_URL=ws://localhost:9999/transcribe-websocket STT_PROVIDER=soniox go run ./cmd
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speech-stream-bridge/internal/service/stt"
	"speech-stream-bridge/internal/service/stt/mock"
)

type options struct {
	utterance string
	msPerWord int64
	failCode  int
	failMsg   string
}

func main() {
	addr := flag.String("addr", ":9999", "Listen address")
	utterance := flag.String("utterance", "", "Script to recognize (empty cycles built-in samples)")
	msPerWord := flag.Int64("ms-per-word", 300, "Audio milliseconds per finalized word")
	failCode := flag.Int("fail-code", 0, "Reply with this error code right after the configuration")
	failMsg := flag.String("fail-message", "overloaded", "Error message sent with -fail-code")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	opts := options{utterance: *utterance, msPerWord: *msPerWord, failCode: *failCode, failMsg: *failMsg}
	http.HandleFunc("/transcribe-websocket", handler(opts))

	log.Info().Str("addr", *addr).Msg("Fake upstream listening")
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Fake upstream stopped")
	}
}

func handler(opts options) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("Upgrade failed")
			return
		}
		defer conn.Close()
		serve(conn, opts)
	}
}

// serve reads the configuration, then feeds audio into a scripted recognizer
// and writes its events back as JSON.
func serve(conn *websocket.Conn, opts options) {
	var cfg map[string]any
	if err := conn.ReadJSON(&cfg); err != nil {
		log.Warn().Err(err).Msg("No configuration received")
		return
	}
	delete(cfg, "api_key")
	logger := log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	logger.Info().Interface("config", cfg).Msg("Session configured")

	out := &eventWriter{conn: conn, done: make(chan struct{})}
	if opts.failCode != 0 {
		out.OnEvent(stt.Event{ErrorCode: opts.failCode, ErrorMessage: opts.failMsg})
		out.OnClosed()
		return
	}

	recognizer := mock.New(mock.Config{Utterance: opts.utterance, MsPerWord: opts.msPerWord}, logger, nil)
	defer recognizer.Close()
	if err := recognizer.Open(context.Background(), out); err != nil {
		logger.Error().Err(err).Msg("Recognizer failed to start")
		return
	}

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("Client went away")
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(payload) == 0 {
			logger.Info().Msg("End of audio")
			recognizer.CloseSend()
			<-out.done
			return
		}
		recognizer.Send(payload)
	}
}

// eventWriter is the recognizer callback. Events arrive from one goroutine.
type eventWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
	once sync.Once
	done chan struct{}
}

func (e *eventWriter) OnReady(int) {}

func (e *eventWriter) OnEvent(ev stt.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn.WriteMessage(websocket.TextMessage, payload)
}

func (e *eventWriter) OnClosed() {
	e.mu.Lock()
	e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	e.mu.Unlock()
	e.once.Do(func() { close(e.done) })
}

func (e *eventWriter) OnError(err error) {
	log.Error().Err(err).Msg("Recognizer failed")
	e.once.Do(func() { close(e.done) })
}
