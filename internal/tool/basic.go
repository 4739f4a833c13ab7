package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const defaultTimeLayout = "2006-01-02 15:04:05"

// TimeTool reports the current date and time.
type TimeTool struct {
	*BaseTool
	now func() time.Time
}

type timeInput struct {
	Layout string `json:"layout,omitempty"`
}

// NewTimeTool creates the time tool.
func NewTimeTool() *TimeTool {
	t := &TimeTool{now: time.Now}
	t.BaseTool = NewBaseTool("time", "Shows the current date and time.", json.RawMessage(`{
		"type": "object",
		"properties": {
			"layout": {
				"type": "string",
				"description": "Optional Go time layout, e.g. 15:04 or 2006-01-02"
			}
		}
	}`), t.execute)
	return t
}

func (t *TimeTool) execute(_ context.Context, input json.RawMessage) (*Result, error) {
	var params timeInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	layout := params.Layout
	if layout == "" {
		layout = defaultTimeLayout
	}
	return &Result{
		Title:  "time",
		Output: "The current date and time is: " + t.now().Format(layout),
	}, nil
}

func (t *TimeTool) Usage() string { return "time [layout]" }

func (t *TimeTool) ParseArgs(args []string) (json.RawMessage, error) {
	return json.Marshal(timeInput{Layout: strings.Join(args, " ")})
}

// GreetTool greets a user by name.
type GreetTool struct {
	*BaseTool
}

type greetInput struct {
	Name string `json:"name"`
}

// NewGreetTool creates the greet tool.
func NewGreetTool() *GreetTool {
	t := &GreetTool{}
	t.BaseTool = NewBaseTool("greet", "Greets the specified user.", json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {
				"type": "string",
				"description": "The name of the user to greet"
			}
		},
		"required": ["name"]
	}`), t.execute)
	return t
}

func (t *GreetTool) execute(_ context.Context, input json.RawMessage) (*Result, error) {
	var params greetInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(params.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return &Result{
		Title:  "greet",
		Output: fmt.Sprintf("Hello, %s! Welcome to pocketcmd.", params.Name),
	}, nil
}

func (t *GreetTool) Usage() string { return "greet <name>" }

func (t *GreetTool) ParseArgs(args []string) (json.RawMessage, error) {
	return json.Marshal(greetInput{Name: strings.Join(args, " ")})
}

// ErrDivisionByZero is returned by the calc tool.
var ErrDivisionByZero = errors.New("division by zero")

// CalcTool does basic arithmetic.
type CalcTool struct {
	*BaseTool
}

type calcInput struct {
	Op string  `json:"op"`
	A  float64 `json:"a"`
	B  float64 `json:"b"`
}

// NewCalcTool creates the calc tool.
func NewCalcTool() *CalcTool {
	t := &CalcTool{}
	t.BaseTool = NewBaseTool("calc", "Adds, subtracts, multiplies or divides two numbers.", json.RawMessage(`{
		"type": "object",
		"properties": {
			"op": {
				"type": "string",
				"enum": ["add", "sub", "mul", "div"],
				"description": "The operation"
			},
			"a": {
				"type": "number",
				"description": "Left operand"
			},
			"b": {
				"type": "number",
				"description": "Right operand"
			}
		},
		"required": ["op", "a", "b"]
	}`), t.execute)
	return t
}

func (t *CalcTool) execute(_ context.Context, input json.RawMessage) (*Result, error) {
	var params calcInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var v float64
	switch params.Op {
	case "add":
		v = params.A + params.B
	case "sub":
		v = params.A - params.B
	case "mul":
		v = params.A * params.B
	case "div":
		if params.B == 0 {
			return nil, ErrDivisionByZero
		}
		v = params.A / params.B
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, params.Op)
	}

	return &Result{
		Title:    "calc",
		Output:   strconv.FormatFloat(v, 'g', -1, 64),
		Metadata: map[string]any{"op": params.Op},
	}, nil
}

func (t *CalcTool) Usage() string { return "calc <add|sub|mul|div> <a> <b>" }

func (t *CalcTool) ParseArgs(args []string) (json.RawMessage, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("%w: usage: %s", ErrInvalidInput, t.Usage())
	}
	a, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidInput, args[1])
	}
	b, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidInput, args[2])
	}
	return json.Marshal(calcInput{Op: args[0], A: a, B: b})
}
