package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"speech-stream-bridge/internal/app"
	"speech-stream-bridge/internal/observability/logging"
	"speech-stream-bridge/internal/observability/metrics"
	"speech-stream-bridge/internal/service/bridge"
)

// StreamRoute accepts raw PCM audio and streams transcripts back.
const StreamRoute = "/speech-to-text-stream"

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics(application.Metrics))

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("draining"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Post(StreamRoute, streamHandler(application.Controller))

	return r
}

// streamHandler runs one bridge session per request. The session owns the
// response until Serve returns.
func streamHandler(ctrl *bridge.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		// HTTP/1 closes the request body once the response starts unless
		// full duplex is enabled. HTTP/2 is always full duplex.
		if err := rc.EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger := logging.WithComponent("http")
			logger.Debug().Err(err).Msg("Full duplex not enabled")
		}

		_ = ctrl.Serve(r.Context(), requestBody{Reader: r.Body, rc: rc}, newResponseSink(w, rc))
	}
}

// requestBody lets a session unblock its pending body read when it ends
// before the client finished uploading. The body must not be read after the
// handler returns.
type requestBody struct {
	io.Reader
	rc *http.ResponseController
}

func (b requestBody) Interrupt() error {
	return b.rc.SetReadDeadline(time.Now())
}

// requestMetrics records request counts and latency per route pattern.
func requestMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start).Seconds())
		})
	}
}
