package docrun

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// MarkdownRuntime is the built-in document-authoring runtime. Instructions
// are markdown source; the runtime validates structure and renders a styled
// HTML document. Heavier runtimes (native word-processor output) plug in
// behind the same Runtime interface.
type MarkdownRuntime struct {
	md goldmark.Markdown
}

func NewMarkdownRuntime() *MarkdownRuntime {
	return &MarkdownRuntime{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
	}
}

const documentName = "proposal.html"

func (r *MarkdownRuntime) Execute(ctx context.Context, code string, outDir string) (Result, error) {
	start := time.Now()
	var log strings.Builder

	if err := ctx.Err(); err != nil {
		return Result{Duration: time.Since(start)}, err
	}
	if strings.TrimSpace(code) == "" {
		return Result{Duration: time.Since(start)}, fmt.Errorf("authoring instructions are empty")
	}
	if !strings.Contains(code, "#") {
		return Result{Duration: time.Since(start)}, fmt.Errorf("authoring instructions contain no section headings")
	}
	if bad := findUnclosedFence(code); bad >= 0 {
		return Result{Duration: time.Since(start)}, fmt.Errorf("unclosed code fence opened on line %d", bad)
	}
	fmt.Fprintf(&log, "validated %d bytes of instructions\n", len(code))

	var body bytes.Buffer
	if err := r.md.Convert([]byte(code), &body); err != nil {
		return Result{Duration: time.Since(start), Log: log.String()}, fmt.Errorf("render: %w", err)
	}
	if body.Len() == 0 {
		return Result{Duration: time.Since(start), Log: log.String()}, fmt.Errorf("render produced no output")
	}
	fmt.Fprintf(&log, "rendered %d bytes of html\n", body.Len())

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{Duration: time.Since(start), Log: log.String()}, err
	}
	out := filepath.Join(outDir, documentName)
	doc := wrapDocument(body.Bytes())
	if err := os.WriteFile(out, doc, 0o644); err != nil {
		return Result{Duration: time.Since(start), Log: log.String()}, err
	}
	fmt.Fprintf(&log, "wrote %s\n", documentName)

	return Result{
		DocumentRef: documentName,
		Duration:    time.Since(start),
		Log:         log.String(),
	}, nil
}

// findUnclosedFence returns the 1-based line of an unterminated ``` fence, or
// -1 when the source is balanced.
func findUnclosedFence(code string) int {
	open := -1
	for i, line := range strings.Split(code, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if open < 0 {
				open = i + 1
			} else {
				open = -1
			}
		}
	}
	return open
}

func wrapDocument(body []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	b.WriteString("<style>body{font-family:Georgia,serif;max-width:52rem;margin:2rem auto;line-height:1.5}")
	b.WriteString("table{border-collapse:collapse}td,th{border:1px solid #999;padding:0.3rem 0.6rem}</style>\n")
	b.WriteString("</head>\n<body>\n")
	b.Write(body)
	b.WriteString("\n</body>\n</html>\n")
	return b.Bytes()
}
