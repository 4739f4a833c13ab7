// Package builtin provides the agent types that ship with pocketcmd.
package builtin

import (
	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/tool"
)

// Agent type names used in configuration.
const (
	TypeMain  = "main"
	TypeTools = "tools"
	TypeChat  = "chat"
)

// Types returns the constructors of every built-in agent type. A nil
// models uses llm.NewChatModel.
func Types(tools *tool.Registry, models ModelFactory) map[string]agent.Constructor {
	return map[string]agent.Constructor{
		TypeMain:  NewMainConstructor(),
		TypeTools: NewToolsConstructor(tools),
		TypeChat:  NewChatConstructor(models, tools),
	}
}
