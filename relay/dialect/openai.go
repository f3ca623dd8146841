package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/Laisky/errors/v2"

	relaymodel "github.com/relaymesh/gateway/relay/model"
)

type openAITranslator struct{}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
	Name    string `json:"name,omitempty"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
}

// openAIToolChoice parses OpenAI's tool_choice, which is either the
// bare string "auto"/"none"/"required" or
// {"type":"function","function":{"name":"..."}}.
func openAIToolChoice(raw any) (*relaymodel.ToolChoice, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		switch v {
		case "auto", "none", "required":
			return &relaymodel.ToolChoice{Mode: v}, nil
		default:
			return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized tool_choice: "+v)
		}
	case map[string]any:
		fn, _ := v["function"].(map[string]any)
		name, _ := fn["name"].(string)
		if name == "" {
			return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized tool_choice shape")
		}
		return &relaymodel.ToolChoice{Mode: "name", Name: name}, nil
	default:
		return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized tool_choice shape")
	}
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

func (openAITranslator) Parse(raw []byte) (*relaymodel.Request, error) {
	var req openAIRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, errors.Wrap(err, "parse openai request").Error())
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "model and messages are required")
	}

	out := &relaymodel.Request{
		Model:   req.Model,
		Stream:  req.Stream,
		Dialect: relaymodel.DialectOpenAI,
		Sampling: relaymodel.SamplingParams{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
			Stop:        req.Stop,
		},
	}

	for _, m := range req.Messages {
		cm := relaymodel.Message{Role: relaymodel.Role(m.Role), Name: m.Name}
		switch content := m.Content.(type) {
		case string:
			cm.Text = content
		case []any:
			for _, raw := range content {
				part, ok := raw.(map[string]any)
				if !ok {
					return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized content part")
				}
				p, err := partFromOpenAI(part)
				if err != nil {
					return nil, err
				}
				cm.Parts = append(cm.Parts, p)
			}
		case nil:
			// empty content is allowed for assistant tool-call-only turns
		default:
			return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unsupported message content shape")
		}
		out.Messages = append(out.Messages, cm)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, relaymodel.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			ParamsJSON:  string(t.Function.Parameters),
		})
	}

	choice, err := openAIToolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = choice

	return out, nil
}

func partFromOpenAI(p map[string]any) (relaymodel.Part, error) {
	switch p["type"] {
	case "text":
		text, _ := p["text"].(string)
		return relaymodel.Part{Type: relaymodel.PartText, Text: text}, nil
	case "image_url":
		url := ""
		if iu, ok := p["image_url"].(map[string]any); ok {
			url, _ = iu["url"].(string)
		}
		return relaymodel.Part{Type: relaymodel.PartImageRef, ImageURL: url}, nil
	default:
		blockType, _ := p["type"].(string)
		return relaymodel.Part{}, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized content part type: "+blockType)
	}
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message,omitempty"`
	Delta        *openAIDelta  `json:"delta,omitempty"`
	FinishReason *string       `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content,omitempty"`
}

type openAIUnaryResponse struct {
	Model   string         `json:"model"`
	Object  string         `json:"object"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (openAITranslator) RenderUnary(resp *relaymodel.Response) ([]byte, error) {
	finish := string(resp.FinishReason)
	out := openAIUnaryResponse{
		Model:  resp.Model,
		Object: "chat.completion",
		Choices: []openAIChoice{{
			Index:        0,
			Message:      openAIMessage{Role: "assistant", Content: resp.Text},
			FinishReason: &finish,
		}},
		Usage: openAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
	}
	return json.Marshal(out)
}

func (openAITranslator) RenderStreamChunk(c *relaymodel.Chunk) []byte {
	if c.Done {
		return []byte("data: [DONE]\n\n")
	}

	delta := openAIDelta{Content: c.TextDelta}
	var finish *string
	if c.FinishReason != nil {
		f := string(*c.FinishReason)
		finish = &f
	}
	payload := openAIUnaryResponse{
		Object:  "chat.completion.chunk",
		Choices: []openAIChoice{{Index: 0, Delta: &delta, FinishReason: finish}},
	}
	body, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("data: %s\n\n", body))
}

func (openAITranslator) RenderStreamError(kind relaymodel.ErrorKind, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"type": string(kind), "message": message},
	})
	return []byte(fmt.Sprintf("data: %s\n\n", body))
}

func (openAITranslator) ContentType(stream bool) string {
	if stream {
		return "text/event-stream"
	}
	return "application/json"
}
