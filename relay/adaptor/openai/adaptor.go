// Package openai implements the OpenAI Chat Completions upstream call:
// build the request, set Bearer auth, scan the SSE body line by line on
// "data: " prefixes.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/relaymesh/gateway/model"
	"github.com/relaymesh/gateway/relay/adaptor"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

const defaultBaseURL = "https://api.openai.com"

type Adaptor struct {
	Client *http.Client
}

func New(client *http.Client) *Adaptor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adaptor{Client: client}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
}

type chatToolChoiceFunction struct {
	Name string `json:"name"`
}

type chatToolChoice struct {
	Type     string                 `json:"type"`
	Function chatToolChoiceFunction `json:"function"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

func (a *Adaptor) Execute(ctx context.Context, account *model.Account, provider *model.Provider, req *relaymodel.Request) (adaptor.ChunkStream, error) {
	body := buildChatRequest(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal openai request")
	}

	baseURL := defaultBaseURL
	if provider.BaseURLOverride != nil && *provider.BaseURLOverride != "" {
		baseURL = *provider.BaseURLOverride
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build openai request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+account.Secret)

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return nil, relaymodel.NewError(relaymodel.ErrUpstreamTimeout, err.Error())
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, classifyError(resp)
	}

	if req.Stream {
		return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
	}
	return newUnaryStream(resp)
}

func buildChatRequest(req *relaymodel.Request) chatRequest {
	out := chatRequest{
		Model:       req.Model,
		Temperature: req.Sampling.Temperature,
		TopP:        req.Sampling.TopP,
		MaxTokens:   req.Sampling.MaxTokens,
		Stop:        req.Sampling.Stop,
		Stream:      req.Stream,
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, chatMessage{Role: string(m.Role), Content: m.Text})
	}
	for _, t := range req.Tools {
		var tool chatTool
		tool.Type = "function"
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		if t.ParamsJSON != "" {
			tool.Function.Parameters = json.RawMessage(t.ParamsJSON)
		}
		out.Tools = append(out.Tools, tool)
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case "name":
			out.ToolChoice = chatToolChoice{Type: "function", Function: chatToolChoiceFunction{Name: req.ToolChoice.Name}}
		default:
			out.ToolChoice = req.ToolChoice.Mode
		}
	}
	return out
}

func classifyError(resp *http.Response) *relaymodel.Error {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return relaymodel.NewError(adaptor.ClassifyHTTPError(resp.StatusCode), body.Error.Message)
}

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// sseStream scans the upstream body line by line looking for "data: "
// prefixed lines.
type sseStream struct {
	body    interface{ Close() error }
	scanner *bufio.Scanner
	closed  bool
}

func (s *sseStream) Next(ctx context.Context) (*relaymodel.Chunk, error) {
	for s.scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return &relaymodel.Chunk{Done: true}, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		out := &relaymodel.Chunk{}
		if len(chunk.Choices) > 0 {
			out.TextDelta = chunk.Choices[0].Delta.Content
			if chunk.Choices[0].FinishReason != nil {
				fr := relaymodel.FinishReason(*chunk.Choices[0].FinishReason)
				out.FinishReason = &fr
			}
		}
		if chunk.Usage != nil {
			out.Usage = &relaymodel.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}
		return out, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan openai stream")
	}
	return &relaymodel.Chunk{Done: true}, nil
}

func (s *sseStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

type unaryResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// unaryStream wraps a non-streaming response so the dispatcher can
// still consume it through the ChunkStream contract: one content
// chunk followed by a Done chunk.
type unaryStream struct {
	chunk *relaymodel.Chunk
	done  bool
	close func() error
}

func newUnaryStream(resp *http.Response) (*unaryStream, error) {
	defer resp.Body.Close()

	var parsed unaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, relaymodel.NewError(relaymodel.ErrUpstream5xx, fmt.Sprintf("decode openai response: %v", err))
	}

	var text string
	var finish relaymodel.FinishReason = relaymodel.FinishStop
	if len(parsed.Choices) > 0 {
		text = parsed.Choices[0].Message.Content
		finish = relaymodel.FinishReason(parsed.Choices[0].FinishReason)
	}

	return &unaryStream{
		chunk: &relaymodel.Chunk{
			TextDelta:    text,
			FinishReason: &finish,
			Usage: &relaymodel.Usage{
				PromptTokens:     parsed.Usage.PromptTokens,
				CompletionTokens: parsed.Usage.CompletionTokens,
			},
		},
		close: func() error { return nil },
	}, nil
}

func (u *unaryStream) Next(ctx context.Context) (*relaymodel.Chunk, error) {
	if u.chunk != nil {
		c := u.chunk
		u.chunk = nil
		return c, nil
	}
	if !u.done {
		u.done = true
		return &relaymodel.Chunk{Done: true}, nil
	}
	return &relaymodel.Chunk{Done: true}, nil
}

func (u *unaryStream) Close() error { return u.close() }
