package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// InteractionLog records every completion call of a run as a JSON file under
// the run's llm_interactions directory, sequence-numbered in call order.
type InteractionLog struct {
	dir string

	mu  sync.Mutex
	seq int
}

func NewInteractionLog(dir string) *InteractionLog { return &InteractionLog{dir: dir} }

type interactionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	System    string    `json:"system"`
	User      string    `json:"user"`
	Images    int       `json:"images"`
	Raw       string    `json:"raw_response"`
	Error     string    `json:"error,omitempty"`
}

// Record is best-effort: a failed write never fails the pipeline.
func (l *InteractionLog) Record(req Request, raw string, callErr error) {
	if l == nil || l.dir == "" {
		return
	}
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	rec := interactionRecord{
		Timestamp: time.Now().UTC(),
		Stage:     req.Stage,
		System:    req.System,
		User:      req.User,
		Images:    len(req.Images),
		Raw:       raw,
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(l.dir, 0o755)
	name := fmt.Sprintf("%03d_%s.json", seq, req.Stage)
	_ = os.WriteFile(filepath.Join(l.dir, name), append(b, '\n'), 0o644)
}

// Logged wraps a Client so every call is recorded.
func Logged(inner Client, log *InteractionLog) Client {
	return Func(func(ctx context.Context, req Request) (string, error) {
		raw, err := inner.Complete(ctx, req)
		log.Record(req, raw, err)
		return raw, err
	})
}
