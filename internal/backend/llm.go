package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// defaultLLMTimeout bounds one chat completion when the caller sets no deadline.
const defaultLLMTimeout = 5 * time.Minute

// chatMessage is one entry of an OpenAI-compatible messages array.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// LLMOpener opens sessions against an OpenAI-compatible chat completions endpoint.
type LLMOpener struct {
	Config LLMConfig
	Client *http.Client
}

// NewLLMOpener creates an opener. A nil client gets a default with defaultLLMTimeout.
func NewLLMOpener(cfg LLMConfig, client *http.Client) *LLMOpener {
	if client == nil {
		client = &http.Client{Timeout: defaultLLMTimeout}
	}
	return &LLMOpener{Config: cfg, Client: client}
}

// Open creates a session. Sessions are stateless apart from their id.
func (o *LLMOpener) Open(ctx context.Context) (Backend, error) {
	if o.Config.BaseURL == "" {
		return nil, fmt.Errorf("llm agent has no base URL configured")
	}
	client := o.Client
	if client == nil {
		client = &http.Client{Timeout: defaultLLMTimeout}
	}
	return &llmBackend{
		cfg:       o.Config,
		client:    client,
		sessionID: uuid.NewString(),
	}, nil
}

type llmBackend struct {
	cfg       LLMConfig
	client    *http.Client
	sessionID string
}

// Invoke sends the payload as a chat prompt and streams content deltas through call.Emit.
// The payload may be a string prompt, a map with "prompt" (and optional "system"), or a
// map with a "messages" array.
func (b *llmBackend) Invoke(ctx context.Context, call Call) (Response, error) {
	messages, err := b.messages(call.Payload)
	if err != nil {
		return Response{}, Handoff(err.Error())
	}

	body, err := json.Marshal(chatRequest{
		Model:    b.cfg.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode chat request: %w", err)
	}

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("chat endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Response{}, errors.New(msg)
		}
		return Response{}, Handoff(msg)
	}

	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		if !gjson.Valid(data) {
			continue
		}
		if errMsg := gjson.Get(data, "error.message"); errMsg.Exists() {
			return Response{SessionID: b.sessionID}, fmt.Errorf("chat stream error: %s", errMsg.String())
		}
		delta := gjson.Get(data, "choices.0.delta.content").String()
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		if err := call.emit(delta); err != nil {
			return Response{SessionID: b.sessionID}, err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return Response{SessionID: b.sessionID}, ctx.Err()
		}
		return Response{SessionID: b.sessionID}, fmt.Errorf("reading chat stream: %w", err)
	}

	return Response{Content: text.String(), SessionID: b.sessionID}, nil
}

func (b *llmBackend) messages(payload any) ([]chatMessage, error) {
	var msgs []chatMessage
	if b.cfg.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: b.cfg.SystemPrompt})
	}

	switch p := payload.(type) {
	case string:
		return append(msgs, chatMessage{Role: "user", Content: p}), nil
	case map[string]any:
		if system, ok := p["system"].(string); ok && system != "" {
			msgs = []chatMessage{{Role: "system", Content: system}}
		}
		if prompt, ok := p["prompt"].(string); ok {
			return append(msgs, chatMessage{Role: "user", Content: prompt}), nil
		}
		if raw, ok := p["messages"]; ok {
			encoded, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid messages: %w", err)
			}
			var extra []chatMessage
			if err := json.Unmarshal(encoded, &extra); err != nil {
				return nil, fmt.Errorf("invalid messages: %w", err)
			}
			return append(msgs, extra...), nil
		}
	}
	return nil, fmt.Errorf("unsupported llm payload %T", payload)
}

// Close is a no-op; the HTTP client is shared.
func (b *llmBackend) Close() error {
	return nil
}

// SessionID returns the current session identifier.
func (b *llmBackend) SessionID() string {
	return b.sessionID
}

// Complete runs a single non-task prompt through opener and returns the full text. It is
// the plain `invoke(prompt, sink)` shape used by generic jobs that need a model call.
// The first error from sink stops the stream and is returned.
func Complete(ctx context.Context, opener Opener, prompt string, sink func(string) error) (string, error) {
	session, err := opener.Open(ctx)
	if err != nil {
		return "", err
	}
	defer session.Close()

	var sinkErr error
	resp, err := session.Invoke(ctx, Call{
		Operation: "chat",
		Payload:   prompt,
		Emit: func(data any) error {
			s, ok := data.(string)
			if sink == nil || !ok {
				return nil
			}
			if sinkErr == nil {
				sinkErr = sink(s)
			}
			return sinkErr
		},
	})
	if sinkErr != nil {
		return "", sinkErr
	}
	if err != nil {
		return "", err
	}
	text, _ := resp.Content.(string)
	return text, nil
}
