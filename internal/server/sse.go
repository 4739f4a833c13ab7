package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pocketcmd/pocketcmd/internal/event"
)

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second

	// defaultPattern covers what a UI client renders and answers.
	defaultPattern = "{" + event.PatternUI + "," + event.TopicRequestPrompt + "," + event.TopicAgentLifecycle + "}"
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE frame with raw JSON data and flushes it.
func (s *sseWriter) writeEvent(name string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sseClient queues bus events for one connected client. The queue is
// bounded: when it is full, events are dropped for this client only.
type sseClient struct {
	id      string
	events  chan event.Event
	dropped atomic.Int64
	log     zerolog.Logger
}

func newSSEClient(buffer int, log zerolog.Logger) *sseClient {
	id := uuid.NewString()
	return &sseClient{
		id:     id,
		events: make(chan event.Event, buffer),
		log:    log.With().Str("client_id", id).Logger(),
	}
}

func (c *sseClient) handle(_ context.Context, e event.Event) (event.Result, error) {
	select {
	case c.events <- e:
	default:
		n := c.dropped.Add(1)
		c.log.Warn().
			Str("kind", string(e.Kind())).
			Int64("dropped", n).
			Msg("SSE event dropped: client too slow")
	}
	return event.Continue, nil
}

// events streams envelopes of every event matching ?pattern= until the
// client disconnects. The default pattern adds prompt requests and agent
// lifecycle events to the ui.* stream.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = defaultPattern
	}
	if err := event.ValidatePattern(pattern); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	client := newSSEClient(s.config.ClientBuffer, s.log)
	sub, err := s.bus.Subscribe(pattern, client.handle,
		event.WithPriority(event.PriorityObserver),
		event.WithName("sse:"+client.id),
	)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
		return
	}
	defer s.bus.Unsubscribe(sub)

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	hello := fmt.Sprintf(`{"clientId":%q,"pattern":%q}`, client.id, pattern)
	if err := sse.writeEvent("connected", []byte(hello)); err != nil {
		return
	}
	client.log.Debug().Str("pattern", pattern).Msg("SSE client connected")
	defer func() {
		client.log.Debug().Int64("dropped", client.dropped.Load()).Msg("SSE client disconnected")
	}()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case e := <-client.events:
			data, err := event.Marshal(e)
			if err != nil {
				client.log.Warn().Err(err).Msg("Encode event failed")
				continue
			}
			if err := sse.writeEvent(string(e.Kind()), data); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}
