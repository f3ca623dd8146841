// Package anthropic implements the Claude Messages upstream call:
// x-api-key auth, anthropic-version header, and named SSE events
// (message_start/content_block_delta/message_stop) on the wire.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/relaymesh/gateway/model"
	"github.com/relaymesh/gateway/relay/adaptor"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

type Adaptor struct {
	Client *http.Client
}

func New(client *http.Client) *Adaptor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adaptor{Client: client}
}

type messagesRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []claudeMsg  `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	Stream      bool         `json:"stream"`
	Tools       []claudeTool `json:"tools,omitempty"`
	ToolChoice  any          `json:"tool_choice,omitempty"`
}

type claudeMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

func (a *Adaptor) Execute(ctx context.Context, account *model.Account, provider *model.Provider, req *relaymodel.Request) (adaptor.ChunkStream, error) {
	body := buildMessagesRequest(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal anthropic request")
	}

	baseURL := defaultBaseURL
	if provider.BaseURLOverride != nil && *provider.BaseURLOverride != "" {
		baseURL = *provider.BaseURLOverride
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build anthropic request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", account.Secret)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return nil, relaymodel.NewError(relaymodel.ErrUpstreamTimeout, err.Error())
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var parsed struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&parsed)
		return nil, relaymodel.NewError(adaptor.ClassifyHTTPError(resp.StatusCode), parsed.Error.Message)
	}

	if req.Stream {
		return &eventStream{scanner: bufio.NewScanner(resp.Body), body: resp.Body}, nil
	}
	return newUnaryStream(resp)
}

func buildMessagesRequest(req *relaymodel.Request) messagesRequest {
	out := messagesRequest{
		Model:       req.Model,
		Temperature: req.Sampling.Temperature,
		TopP:        req.Sampling.TopP,
		Stream:      req.Stream,
	}
	if req.Sampling.MaxTokens != nil {
		out.MaxTokens = *req.Sampling.MaxTokens
	} else {
		out.MaxTokens = 4096
	}

	for _, m := range req.Messages {
		if m.Role == relaymodel.RoleSystem {
			out.System = m.Text
			continue
		}
		out.Messages = append(out.Messages, claudeMsg{Role: string(m.Role), Content: m.Text})
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, claudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: json.RawMessage(t.ParamsJSON),
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case "name":
			out.ToolChoice = map[string]string{"type": "tool", "name": req.ToolChoice.Name}
		case "required":
			out.ToolChoice = map[string]string{"type": "any"}
		default:
			out.ToolChoice = map[string]string{"type": req.ToolChoice.Mode}
		}
	}

	return out
}

// eventStream parses the named-event SSE framing: an "event: <name>"
// line followed by one or more "data: <json>" lines. Only
// content_block_delta and message_delta carry content we surface;
// message_stop ends the stream.
type eventStream struct {
	scanner    *bufio.Scanner
	body       interface{ Close() error }
	closed     bool
	pendingEvt string
}

type deltaEvent struct {
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

type messageDeltaUsage struct {
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (s *eventStream) Next(ctx context.Context) (*relaymodel.Chunk, error) {
	for s.scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := s.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			s.pendingEvt = strings.TrimPrefix(line, "event: ")
			continue
		case !strings.HasPrefix(line, "data: "):
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		switch s.pendingEvt {
		case "content_block_delta":
			var evt deltaEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				continue
			}
			return &relaymodel.Chunk{TextDelta: evt.Delta.Text}, nil
		case "message_delta":
			var evt deltaEvent
			var usage messageDeltaUsage
			_ = json.Unmarshal([]byte(data), &evt)
			_ = json.Unmarshal([]byte(data), &usage)
			fr := claudeStopToFinish(evt.Delta.StopReason)
			return &relaymodel.Chunk{
				FinishReason: &fr,
				Usage:        &relaymodel.Usage{CompletionTokens: usage.Usage.OutputTokens},
			}, nil
		case "message_stop":
			return &relaymodel.Chunk{Done: true}, nil
		default:
			continue
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan anthropic stream")
	}
	return &relaymodel.Chunk{Done: true}, nil
}

func claudeStopToFinish(reason string) relaymodel.FinishReason {
	switch reason {
	case "max_tokens":
		return relaymodel.FinishLength
	case "tool_use":
		return relaymodel.FinishToolCalls
	default:
		return relaymodel.FinishStop
	}
}

func (s *eventStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

type unaryMessagesResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type unaryStream struct {
	chunk *relaymodel.Chunk
	done  bool
}

func newUnaryStream(resp *http.Response) (*unaryStream, error) {
	defer resp.Body.Close()

	var parsed unaryMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, relaymodel.NewError(relaymodel.ErrUpstream5xx, "decode anthropic response: "+err.Error())
	}

	var text string
	if len(parsed.Content) > 0 {
		text = parsed.Content[0].Text
	}
	finish := claudeStopToFinish(parsed.StopReason)

	return &unaryStream{chunk: &relaymodel.Chunk{
		TextDelta:    text,
		FinishReason: &finish,
		Usage: &relaymodel.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
		},
	}}, nil
}

func (u *unaryStream) Next(ctx context.Context) (*relaymodel.Chunk, error) {
	if u.chunk != nil {
		c := u.chunk
		u.chunk = nil
		return c, nil
	}
	return &relaymodel.Chunk{Done: true}, nil
}

func (u *unaryStream) Close() error { return nil }
