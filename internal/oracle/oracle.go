// Package oracle wraps LLM providers behind a single completion call used by
// the decision arbiter and answer generation.
package oracle

import (
	"context"
	"errors"
	"strings"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion. JSON asks the provider for a single JSON object.
type Request struct {
	System      string
	Messages    []Message
	JSON        bool
	Temperature *float64
	MaxTokens   int
}

type Response struct {
	Content      string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Oracle completes prompts.
type Oracle interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Complete(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// ErrEmptyResponse is returned when a provider answers without content.
var ErrEmptyResponse = errors.New("oracle returned no content")

// ExtractJSON returns the outermost {...} object in s, dropping surrounding
// prose and code fences. It returns s trimmed when no object is found.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

const jsonInstruction = "Respond with a single JSON object and nothing else."
