package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/config"
	"github.com/pocketcmd/pocketcmd/internal/llm"
	"github.com/pocketcmd/pocketcmd/internal/tool"
)

const (
	maxToolRounds = 5
	maxHistory    = 50
	streamRetries = 2
	defaultSystem = "You are a helpful assistant running inside a command-line tool. Answer concisely."
)

// ModelFactory builds the chat model of a chat agent.
type ModelFactory func(ctx context.Context, cfg *config.ModelConfig) (model.ToolCallingChatModel, error)

// ChatAgent streams replies from an LLM and keeps the conversation history
// of its installation.
type ChatAgent struct {
	model  model.ToolCallingChatModel
	tools  *tool.Registry
	system string
	retry  tool.RetryPolicy

	mu      sync.Mutex
	history []*schema.Message
}

// NewChatConstructor returns the constructor of the chat agent type. With
// the "tools" option set, the registry's tools are bound to the model.
func NewChatConstructor(models ModelFactory, tools *tool.Registry) agent.Constructor {
	if models == nil {
		models = llm.NewChatModel
	}
	return func(cfg config.AgentConfig) (agent.Factory, error) {
		if err := llm.CheckConfig(cfg.Model); err != nil {
			return nil, fmt.Errorf("chat agent: %w", err)
		}
		useTools, _ := cfg.Options["tools"].(bool)

		return func(ctx context.Context, env *agent.Env) (agent.Agent, error) {
			m, err := models(ctx, cfg.Model)
			if err != nil {
				return nil, err
			}

			a := &ChatAgent{
				model:  m,
				system: cfg.Model.System,
				retry:  tool.DefaultRetryPolicy,
			}
			if a.system == "" {
				a.system = defaultSystem
			}
			if useTools && tools != nil {
				bound, err := m.WithTools(tools.ToolInfos())
				if err != nil {
					return nil, fmt.Errorf("bind tools: %w", err)
				}
				a.model = bound
				a.tools = tools
			}
			return a, nil
		}, nil
	}
}

// Deactivate forgets the conversation.
func (a *ChatAgent) Deactivate(context.Context) error {
	a.mu.Lock()
	a.history = nil
	a.mu.Unlock()
	return nil
}

// HandleRun is only called sequentially by the agent's slot.
func (a *ChatAgent) HandleRun(ctx context.Context, run *agent.Run) error {
	a.append(schema.UserMessage(run.Input()))

	for round := 0; round < maxToolRounds; round++ {
		reply, msgID, err := a.streamReply(ctx, run)
		if err != nil {
			return err
		}
		a.append(reply)

		if len(reply.ToolCalls) == 0 || a.tools == nil {
			return nil
		}
		for _, tc := range reply.ToolCalls {
			output := a.runToolCall(ctx, run, msgID, tc)
			a.append(schema.ToolMessage(output, tc.ID))
		}
	}
	return run.Reply(fmt.Sprintf("Stopped after %d tool rounds.", maxToolRounds))
}

// streamReply opens a model stream and relays it as one assistant message.
// It returns the complete reply and the id of the published message.
func (a *ChatAgent) streamReply(ctx context.Context, run *agent.Run) (*schema.Message, string, error) {
	messages := append([]*schema.Message{schema.SystemMessage(a.system)}, a.snapshot()...)

	var sr *schema.StreamReader[*schema.Message]
	open := func() error {
		var err error
		sr, err = a.model.Stream(ctx, messages)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retry.InitialInterval
	b.MaxInterval = a.retry.MaxInterval
	b.MaxElapsedTime = time.Minute
	notify := func(err error, wait time.Duration) {
		run.Log().Warn().Err(err).Dur("retry_in", wait).Msg("Model stream failed")
	}
	if err := backoff.RetryNotify(open, backoff.WithContext(backoff.WithMaxRetries(b, streamRetries), ctx), notify); err != nil {
		return nil, "", fmt.Errorf("open model stream: %w", err)
	}
	defer sr.Close()

	msg, err := run.StartMessage()
	if err != nil {
		return nil, "", err
	}

	var chunks []*schema.Message
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = msg.End()
			return nil, "", fmt.Errorf("read model stream: %w", err)
		}
		chunks = append(chunks, chunk)
		if err := msg.WriteDelta(chunk.Content); err != nil {
			_ = msg.End()
			return nil, "", err
		}
	}
	if err := msg.End(); err != nil {
		return nil, "", err
	}

	if len(chunks) == 0 {
		return schema.AssistantMessage("", nil), msg.ID(), nil
	}
	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, "", fmt.Errorf("concat model stream: %w", err)
	}
	full.Role = schema.Assistant
	return full, msg.ID(), nil
}

func (a *ChatAgent) runToolCall(ctx context.Context, run *agent.Run, parentID string, tc schema.ToolCall) string {
	t, ok := a.tools.Get(tc.Function.Name)
	if !ok {
		return fmt.Sprintf("unknown tool %q", tc.Function.Name)
	}
	var output string
	err := run.Step("tool:"+t.ID(), func() error {
		var err error
		output, err = callTool(ctx, run, t, tc.Function.Arguments, parentID, a.retry)
		return err
	})
	if err != nil {
		return "error: " + err.Error()
	}
	return output
}

func (a *ChatAgent) snapshot() []*schema.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

func (a *ChatAgent) append(m *schema.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = trimHistory(append(a.history, m), maxHistory)
}

// trimHistory drops whole turns from the front until at most max messages
// remain. The result starts at a user message, so an assistant tool call is
// never separated from its tool replies. A single turn longer than max is
// kept whole.
func trimHistory(history []*schema.Message, max int) []*schema.Message {
	if len(history) <= max {
		return history
	}
	cut := len(history) - max
	for i := cut; i < len(history); i++ {
		if history[i].Role == schema.User {
			return history[i:]
		}
	}
	for i := cut - 1; i >= 0; i-- {
		if history[i].Role == schema.User {
			return history[i:]
		}
	}
	return history
}
