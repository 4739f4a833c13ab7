package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, tool Tool, input string) (*Result, error) {
	t.Helper()
	return tool.Execute(context.Background(), json.RawMessage(input))
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(nil)
	assert.Equal(t, []string{"calc", "fetch", "greet", "time"}, r.IDs())

	infos := r.ToolInfos()
	require.Len(t, infos, 4)
	assert.Equal(t, "calc", infos[0].Name)

	for _, tool := range r.List() {
		var schema map[string]any
		require.NoError(t, json.Unmarshal(tool.Parameters(), &schema), tool.ID())
		_, ok := tool.(ArgParser)
		assert.True(t, ok, "%s accepts positional args", tool.ID())
	}

	_, ok := r.Get("nope")
	assert.False(t, ok)
	assert.Len(t, r.EinoTools(), 4)
}

func TestTimeTool(t *testing.T) {
	tool := NewTimeTool()
	tool.now = func() time.Time { return time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC) }

	res, err := run(t, tool, `{}`)
	require.NoError(t, err)
	assert.Equal(t, "The current date and time is: 2024-05-17 09:30:00", res.Output)

	input, err := tool.ParseArgs([]string{"15:04"})
	require.NoError(t, err)
	res, err = tool.Execute(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "The current date and time is: 09:30", res.Output)
}

func TestGreetTool(t *testing.T) {
	tool := NewGreetTool()

	res, err := run(t, tool, `{"name":"Ada"}`)
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada! Welcome to pocketcmd.", res.Output)

	_, err = run(t, tool, `{"name":"  "}`)
	assert.ErrorIs(t, err, ErrInvalidInput)

	input, err := tool.ParseArgs([]string{"Ada", "Lovelace"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada Lovelace"}`, string(input))
}

func TestCalcTool(t *testing.T) {
	tool := NewCalcTool()

	tests := []struct {
		args    []string
		want    string
		wantErr error
	}{
		{[]string{"add", "1", "2"}, "3", nil},
		{[]string{"sub", "1", "2.5"}, "-1.5", nil},
		{[]string{"mul", "4", "2.5"}, "10", nil},
		{[]string{"div", "1", "4"}, "0.25", nil},
		{[]string{"div", "1", "0"}, "", ErrDivisionByZero},
		{[]string{"pow", "1", "0"}, "", ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			input, err := tool.ParseArgs(tt.args)
			require.NoError(t, err)

			res, err := tool.Execute(context.Background(), input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output)
		})
	}

	_, err := tool.ParseArgs([]string{"add", "1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = tool.ParseArgs([]string{"add", "one", "2"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFetchTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><head><title>Test Page</title><style>p{}</style></head>
<body><h1>Heading</h1><p>Some <b>bold</b> text.</p><script>alert(1)</script></body></html>`))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(strings.Repeat("a", 100)))
		case "/missing":
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	tool := NewFetchTool(server.Client())

	t.Run("html to markdown", func(t *testing.T) {
		res, err := run(t, tool, `{"url":"`+server.URL+`/page"}`)
		require.NoError(t, err)
		assert.Equal(t, "Test Page", res.Title)
		assert.Contains(t, res.Output, "# Heading")
		assert.Contains(t, res.Output, "**bold**")
		assert.NotContains(t, res.Output, "alert")
	})

	t.Run("truncates", func(t *testing.T) {
		input, err := tool.ParseArgs([]string{server.URL + "/plain", "10"})
		require.NoError(t, err)
		res, err := tool.Execute(context.Background(), input)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(res.Output, strings.Repeat("a", 10)+"\n\n[Content truncated"))
		assert.Equal(t, true, res.Metadata["truncated"])
	})

	t.Run("not found is permanent", func(t *testing.T) {
		_, err := run(t, tool, `{"url":"`+server.URL+`/missing"}`)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrTransient)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := run(t, tool, `{"url":"ftp://example.com"}`)
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = tool.ParseArgs(nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestExecuteWithRetry(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	tool := NewFetchTool(server.Client())
	input := json.RawMessage(`{"url":"` + server.URL + `"}`)

	res, err := ExecuteWithRetry(context.Background(), tool, input, policy)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, int32(3), hits.Load())

	// Permanent errors are not retried.
	var calls atomic.Int32
	failing := NewBaseTool("fail", "", json.RawMessage(`{}`), func(context.Context, json.RawMessage) (*Result, error) {
		calls.Add(1)
		return nil, ErrInvalidInput
	})
	_, err = ExecuteWithRetry(context.Background(), failing, nil, policy)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEinoTool(t *testing.T) {
	et := NewCalcTool().EinoTool()

	info, err := et.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "calc", info.Name)

	out, err := et.InvokableRun(context.Background(), `{"op":"mul","a":6,"b":7}`)
	require.NoError(t, err)
	assert.Equal(t, "42", out)
}
