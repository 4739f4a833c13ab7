package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/event"
	"github.com/pocketcmd/pocketcmd/internal/prompt"
	"github.com/pocketcmd/pocketcmd/internal/stream"
)

func newTestBus(t *testing.T) *event.Bus {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Close(ctx)
	})
	return bus
}

func drain(t *testing.T, bus *event.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Drain(ctx))
}

func newTestServer(t *testing.T, bus *event.Bus) (*Server, *httptest.Server) {
	t.Helper()
	registry := agent.NewRegistry()
	nop := func(context.Context, *agent.Env) (agent.Agent, error) { return nil, nil }
	require.NoError(t, registry.Register(&agent.Definition{Name: "main", Type: "main", Description: "General purpose agent", New: nop}))
	require.NoError(t, registry.Register(&agent.Definition{Name: "tools", Type: "tools", New: nop}))

	srv := New(nil, Options{
		Bus:         bus,
		Agents:      registry,
		ActiveAgent: func() string { return "main" },
		Log:         zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

// capture records events published on topic.
func capture[T event.Event](t *testing.T, bus *event.Bus, topic string) func() []T {
	t.Helper()
	var (
		mu  sync.Mutex
		got []T
	)
	_, err := bus.Subscribe(topic, func(_ context.Context, e event.Event) (event.Result, error) {
		if v, ok := e.(T); ok {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		}
		return event.Continue, nil
	})
	require.NoError(t, err)
	return func() []T {
		mu.Lock()
		defer mu.Unlock()
		return append([]T(nil), got...)
	}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, newTestBus(t))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]string{"status": "ok", "agent": "main"}, body)
}

func TestPostInput(t *testing.T) {
	bus := newTestBus(t)
	_, ts := newTestServer(t, bus)
	inputs := capture[event.AppInputEvent](t, bus, event.TopicAppInput)

	resp := post(t, ts.URL+"/input", `{"text":"/agents","clientId":"web-1"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = post(t, ts.URL+"/input", `{"text":"hello"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	drain(t, bus)

	got := inputs()
	require.Len(t, got, 2)
	assert.Equal(t, "/agents", got[0].InputText)
	assert.Equal(t, "web-1", got[0].SourceClientID)
	assert.True(t, strings.HasPrefix(got[1].SourceClientID, "http:"))
}

func TestPostInput_Invalid(t *testing.T) {
	bus := newTestBus(t)
	_, ts := newTestServer(t, bus)
	inputs := capture[event.AppInputEvent](t, bus, event.TopicAppInput)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"text":`},
		{"empty text", `{"text":"  "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/input", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, ErrCodeInvalidRequest, body.Error.Code)
		})
	}
	drain(t, bus)
	assert.Empty(t, inputs())
}

func TestPostPrompt(t *testing.T) {
	bus := newTestBus(t)
	_, ts := newTestServer(t, bus)
	answers := capture[event.PromptResponseEvent](t, bus, event.TopicPromptResponse)

	resp := post(t, ts.URL+"/prompt/corr-1", `{"text":"Ada"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	drain(t, bus)

	got := answers()
	require.Len(t, got, 1)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
	assert.Equal(t, "Ada", got[0].ResponseText)
}

func TestListAgents(t *testing.T) {
	_, ts := newTestServer(t, newTestBus(t))

	resp, err := http.Get(ts.URL + "/agents")
	require.NoError(t, err)
	defer resp.Body.Close()

	var agents []AgentInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agents))
	assert.Equal(t, []AgentInfo{
		{Name: "main", Type: "main", Description: "General purpose agent", Active: true},
		{Name: "tools", Type: "tools"},
	}, agents)
}

type frame struct {
	name string
	data string
}

// readFrame reads one SSE frame, skipping comments.
func readFrame(r *bufio.Reader) (frame, error) {
	var f frame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "":
			if f.name != "" || f.data != "" {
				return f, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			f.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, url string) (*bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	hello, err := readFrame(r)
	require.NoError(t, err)
	require.Equal(t, "connected", hello.name)
	return r, cancel
}

func TestEvents_StreamsMatchingEnvelopes(t *testing.T) {
	bus := newTestBus(t)
	_, ts := newTestServer(t, bus)
	r, _ := openStream(t, ts.URL+"/event")

	require.NoError(t, bus.Publish(event.AppInputEvent{InputText: "not a ui event"}))
	id, err := stream.SendText(bus, event.RoleAssistant, "hi")
	require.NoError(t, err)

	var kinds []string
	for range 3 {
		f, err := readFrame(r)
		require.NoError(t, err)
		kinds = append(kinds, f.name)

		e, err := event.Unmarshal([]byte(f.data))
		require.NoError(t, err)
		assert.Equal(t, f.name, string(e.Kind()))
		if start, ok := e.(event.TextMessageStartEvent); ok {
			assert.Equal(t, id, start.MessageID)
		}
	}
	assert.Equal(t, []string{"TEXT_MESSAGE_START", "TEXT_MESSAGE_CONTENT", "TEXT_MESSAGE_END"}, kinds)
}

func TestEvents_DefaultPatternAnswersPrompts(t *testing.T) {
	bus := newTestBus(t)
	_, ts := newTestServer(t, bus)
	r, _ := openStream(t, ts.URL+"/event")

	requester := prompt.NewRequester(bus, 2*time.Second)
	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := requester.Ask(context.Background(), "What is your name?")
		done <- outcome{text, err}
	}()

	var req event.RequestPromptEvent
	for {
		f, err := readFrame(r)
		require.NoError(t, err)
		if f.name != string(event.KindRequestPrompt) {
			continue
		}
		e, err := event.Unmarshal([]byte(f.data))
		require.NoError(t, err)
		req = e.(event.RequestPromptEvent)
		break
	}
	assert.Equal(t, "What is your name?", req.PromptMessage)

	resp := post(t, ts.URL+"/prompt/"+req.CorrelationID, `{"text":"Ada"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "Ada", got.text)
}

func TestEvents_DefaultPatternIncludesLifecycle(t *testing.T) {
	bus := newTestBus(t)
	_, ts := newTestServer(t, bus)
	r, _ := openStream(t, ts.URL+"/event")

	require.NoError(t, bus.Publish(event.AgentLifecycleEvent{AgentName: "main", Phase: event.PhaseActivating}))

	f, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, string(event.KindAgentLifecycle), f.name)
}

func TestEvents_PatternQuery(t *testing.T) {
	bus := newTestBus(t)
	_, ts := newTestServer(t, bus)
	r, _ := openStream(t, ts.URL+"/event?pattern="+event.TopicAppInput)

	_, err := stream.SendText(bus, event.RoleAssistant, "filtered out")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(event.AppInputEvent{InputText: "hello"}))

	f, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, string(event.KindAppInput), f.name)
	assert.Contains(t, f.data, `"inputText":"hello"`)
}

func TestEvents_InvalidPattern(t *testing.T) {
	_, ts := newTestServer(t, newTestBus(t))

	resp, err := http.Get(ts.URL + "/event?pattern=ui.%5B")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEClient_DropsWhenFull(t *testing.T) {
	c := newSSEClient(1, zerolog.Nop())

	for range 3 {
		res, err := c.handle(context.Background(), event.CustomEvent{Name: "x"})
		require.NoError(t, err)
		assert.Equal(t, event.Continue, res)
	}
	assert.Len(t, c.events, 1)
	assert.Equal(t, int64(2), c.dropped.Load())
}

func TestShutdown_EndsStreams(t *testing.T) {
	bus := newTestBus(t)
	srv := New(&Config{Addr: "127.0.0.1:0", ClientBuffer: 8}, Options{Bus: bus, Log: zerolog.Nop()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	r, _ := openStream(t, "http://"+ln.Addr().String()+"/event")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-served)

	_, err = readFrame(r)
	assert.Error(t, err, "stream ends on shutdown")
}
