package llm

import (
	"context"
	"errors"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements Client using the official openai-go SDK (chat
// completions). Transport timeout and retries are handled here; semantic
// retries (error recovery, critique revision) are the pipeline's concern.
type OpenAIClient struct {
	Model      string
	Timeout    time.Duration
	MaxRetries int
	Opts       []option.RequestOption
}

type OpenAISettings struct {
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

func NewOpenAIClient(cfg OpenAISettings) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key missing; provide completion.api_key")
	}
	if cfg.Model == "" {
		return nil, errors.New("completion model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &OpenAIClient{Model: cfg.Model, Timeout: timeout, MaxRetries: retries, Opts: opts}, nil
}

func (o *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	client := openai.NewClient(o.Opts...)

	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(req.System),
	}
	if len(req.Images) > 0 {
		parts := []openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(req.User),
		}
		for _, ref := range req.Images {
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: ref,
			}))
		}
		msgs = append(msgs, openai.UserMessage(parts))
	} else {
		msgs = append(msgs, openai.UserMessage(req.User))
	}

	var lastErr error
	for attempt := 0; attempt < o.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.Timeout)
		resp, err := client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(o.Model),
			Messages: msgs,
		})
		cancel()
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", errors.New("openai: empty choices")
			}
			return resp.Choices[0].Message.Content, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return "", lastErr
}
