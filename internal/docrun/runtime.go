// Package docrun wraps the document-authoring runtime collaborator: it takes
// generated authoring instructions and produces a rendered document file.
package docrun

import (
	"context"
	"time"
)

// Result reports one runtime execution attempt.
type Result struct {
	DocumentRef string // path of the rendered document, relative to the run directory
	Duration    time.Duration
	Log         string // runtime output captured for execution_logs
}

// Runtime executes document-authoring instructions. An error return means the
// attempt failed and carries the full error detail used for error recovery.
type Runtime interface {
	Execute(ctx context.Context, code string, outDir string) (Result, error)
}

// Func adapts a function to Runtime. Used by tests.
type Func func(ctx context.Context, code string, outDir string) (Result, error)

func (f Func) Execute(ctx context.Context, code string, outDir string) (Result, error) {
	return f(ctx, code, outDir)
}
