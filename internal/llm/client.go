// Package llm wraps the text-completion collaborator. The pipeline only
// depends on the Client interface; the OpenAI implementation and the test
// mock both satisfy it.
package llm

import "context"

// Request is one completion call: a system prompt, a user prompt, and an
// optional set of page-image references for vision-capable models.
type Request struct {
	Stage  string // pipeline stage issuing the call, for logging
	System string
	User   string
	Images []string // data URIs or URLs of page renders
}

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Client. Used by tests.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Complete(ctx context.Context, req Request) (string, error) { return f(ctx, req) }
