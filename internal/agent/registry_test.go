package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketcmd/pocketcmd/internal/config"
)

func nopFactory(context.Context, *Env) (Agent, error) {
	return AgentFunc(func(context.Context, *Run) error { return nil }), nil
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Names())
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Definition{Name: "custom", Description: "Custom agent", New: nopFactory}))

	def, err := r.Get("custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", def.Name)
	assert.Equal(t, "Custom agent", def.Description)
	assert.Equal(t, 1, r.Count())

	assert.Error(t, r.Register(&Definition{Name: "no-factory"}))
	assert.Error(t, r.Register(nil))
	for _, bad := range []string{"", "-leading", "has space", "a.b", "slash/name"} {
		assert.Error(t, r.Register(&Definition{Name: bad, New: nopFactory}), bad)
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "agent not found")
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Definition{Name: "temp", New: nopFactory}))
	assert.True(t, r.Exists("temp"))

	r.Unregister("temp")
	assert.False(t, r.Exists("temp"))
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"tools", "main", "chat"} {
		require.NoError(t, r.Register(&Definition{Name: name, New: nopFactory}))
	}

	assert.Equal(t, []string{"chat", "main", "tools"}, r.Names())

	defs := r.List()
	require.Len(t, defs, 3)
	assert.Equal(t, "chat", defs[0].Name)
	assert.Equal(t, "tools", defs[2].Name)
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()

	var seen *Env
	require.NoError(t, r.Register(&Definition{
		Name:   "main",
		Config: config.AgentConfig{Type: "main", Options: map[string]any{"greet_name": "Ada"}},
		New: func(_ context.Context, env *Env) (Agent, error) {
			seen = env
			return nopFactory(context.Background(), env)
		},
	}))
	require.NoError(t, r.Register(&Definition{
		Name: "broken",
		New: func(context.Context, *Env) (Agent, error) {
			return nil, errors.New("no model")
		},
	}))
	require.NoError(t, r.Register(&Definition{
		Name: "nil",
		New:  func(context.Context, *Env) (Agent, error) { return nil, nil },
	}))

	ag, env, err := r.Resolve(context.Background(), "main", Env{Name: "ignored"})
	require.NoError(t, err)
	assert.NotNil(t, ag)
	assert.Same(t, seen, env)
	assert.Equal(t, "main", env.Name)
	assert.Equal(t, "Ada", env.Config.Option("greet_name", ""))

	_, _, err = r.Resolve(context.Background(), "ghost", Env{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = r.Resolve(context.Background(), "broken", Env{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model")

	_, _, err = r.Resolve(context.Background(), "nil", Env{})
	assert.Error(t, err)
}

func TestRegistry_LoadFromConfig(t *testing.T) {
	types := map[string]Constructor{
		"main": func(config.AgentConfig) (Factory, error) { return nopFactory, nil },
		"chat": func(cfg config.AgentConfig) (Factory, error) {
			if cfg.Model == nil {
				return nil, errors.New("chat agent needs a model")
			}
			return nopFactory, nil
		},
	}

	t.Run("registers every agent", func(t *testing.T) {
		r := NewRegistry()
		err := r.LoadFromConfig(map[string]config.AgentConfig{
			"main": {Type: "main", Description: "General"},
			"chat": {Type: "chat", Model: &config.ModelConfig{Provider: "openai"}},
		}, types)
		require.NoError(t, err)
		assert.Equal(t, []string{"chat", "main"}, r.Names())

		def, err := r.Get("main")
		require.NoError(t, err)
		assert.Equal(t, "General", def.Description)
		assert.Equal(t, "main", def.Type)
	})

	t.Run("unknown type", func(t *testing.T) {
		err := NewRegistry().LoadFromConfig(map[string]config.AgentConfig{"x": {Type: "mystery"}}, types)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown type "mystery"`)
	})

	t.Run("constructor rejects config", func(t *testing.T) {
		err := NewRegistry().LoadFromConfig(map[string]config.AgentConfig{"chat": {Type: "chat"}}, types)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "needs a model")
	})
}
