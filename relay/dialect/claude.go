package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/Laisky/errors/v2"

	relaymodel "github.com/relaymesh/gateway/relay/model"
)

type claudeTranslator struct{}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []claudeTool    `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
}

// claudeToolChoice parses Claude's {"type":"auto"|"any"|"tool","name":"..."}
// tool_choice shape into the canonical ToolChoice.
func claudeToolChoice(raw any) (*relaymodel.ToolChoice, error) {
	if raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized tool_choice shape")
	}
	kind, _ := obj["type"].(string)
	switch kind {
	case "auto", "":
		return &relaymodel.ToolChoice{Mode: "auto"}, nil
	case "any":
		return &relaymodel.ToolChoice{Mode: "required"}, nil
	case "tool":
		name, _ := obj["name"].(string)
		return &relaymodel.ToolChoice{Mode: "name", Name: name}, nil
	default:
		return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized tool_choice type: "+kind)
	}
}

func (claudeTranslator) Parse(raw []byte) (*relaymodel.Request, error) {
	var req claudeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, errors.Wrap(err, "parse claude request").Error())
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "model and messages are required")
	}

	out := &relaymodel.Request{
		Model:   req.Model,
		Stream:  req.Stream,
		Dialect: relaymodel.DialectClaude,
		Sampling: relaymodel.SamplingParams{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   &req.MaxTokens,
		},
	}

	if req.System != "" {
		out.Messages = append(out.Messages, relaymodel.Message{Role: relaymodel.RoleSystem, Text: req.System})
	}

	for _, m := range req.Messages {
		cm := relaymodel.Message{Role: relaymodel.Role(m.Role)}
		switch content := m.Content.(type) {
		case string:
			cm.Text = content
		case []any:
			for _, raw := range content {
				block, ok := raw.(map[string]any)
				if !ok {
					return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized content block")
				}
				part, err := partFromClaude(block)
				if err != nil {
					return nil, err
				}
				cm.Parts = append(cm.Parts, part)
			}
		default:
			return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unsupported message content shape")
		}
		out.Messages = append(out.Messages, cm)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, relaymodel.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			ParamsJSON:  string(t.InputSchema),
		})
	}

	choice, err := claudeToolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = choice

	return out, nil
}

// partFromClaude converts one Claude content block into a canonical Part,
// failing closed on block types this gateway doesn't understand rather
// than silently emitting an empty text part.
func partFromClaude(block map[string]any) (relaymodel.Part, error) {
	blockType, _ := block["type"].(string)
	switch blockType {
	case "text":
		text, _ := block["text"].(string)
		return relaymodel.Part{Type: relaymodel.PartText, Text: text}, nil
	case "image":
		source, _ := block["source"].(map[string]any)
		sourceType, _ := source["type"].(string)
		switch sourceType {
		case "url":
			url, _ := source["url"].(string)
			return relaymodel.Part{Type: relaymodel.PartImageRef, ImageURL: url}, nil
		case "base64":
			data, _ := source["data"].(string)
			mime, _ := source["media_type"].(string)
			return relaymodel.Part{Type: relaymodel.PartImageRef, ImageBase64: data, ImageMIME: mime}, nil
		default:
			return relaymodel.Part{}, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized image source type: "+sourceType)
		}
	case "tool_use":
		id, _ := block["id"].(string)
		name, _ := block["name"].(string)
		var argsJSON string
		if input, ok := block["input"]; ok {
			if raw, err := json.Marshal(input); err == nil {
				argsJSON = string(raw)
			}
		}
		return relaymodel.Part{Type: relaymodel.PartToolCall, ToolCallID: id, ToolName: name, ToolArgsJSON: argsJSON}, nil
	case "tool_result":
		id, _ := block["tool_use_id"].(string)
		isError, _ := block["is_error"].(bool)
		content := ""
		switch c := block["content"].(type) {
		case string:
			content = c
		default:
			if raw, err := json.Marshal(c); err == nil {
				content = string(raw)
			}
		}
		return relaymodel.Part{Type: relaymodel.PartToolResult, ToolCallID: id, ToolResultContent: content, ToolResultIsError: isError}, nil
	default:
		return relaymodel.Part{}, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized content block type: "+blockType)
	}
}

type claudeUnaryResponse struct {
	Type       string               `json:"type"`
	Role       string               `json:"role"`
	Model      string               `json:"model"`
	Content    []claudeContentBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      claudeUsage          `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func claudeStopReason(f relaymodel.FinishReason) string {
	switch f {
	case relaymodel.FinishLength:
		return "max_tokens"
	case relaymodel.FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

func (claudeTranslator) RenderUnary(resp *relaymodel.Response) ([]byte, error) {
	out := claudeUnaryResponse{
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    []claudeContentBlock{{Type: "text", Text: resp.Text}},
		StopReason: claudeStopReason(resp.FinishReason),
		Usage: claudeUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	return json.Marshal(out)
}

// RenderStreamChunk renders one chunk as Claude named events, in Claude's
// order: content_block_delta for the chunk's text, then
// content_block_stop followed by message_delta when the chunk carries a
// finish reason, and message_stop for the Done chunk. The translator
// keeps no per-stream state, so message_start and content_block_start
// are not emitted.
func (claudeTranslator) RenderStreamChunk(c *relaymodel.Chunk) []byte {
	if c.Done {
		return sseEvent("message_stop", map[string]any{"type": "message_stop"})
	}
	var out []byte
	if c.TextDelta != "" || c.FinishReason == nil {
		out = sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": c.TextDelta},
		})
	}
	if c.FinishReason != nil {
		out = append(out, sseEvent("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": 0,
		})...)
		out = append(out, sseEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": claudeStopReason(*c.FinishReason)},
		})...)
	}
	return out
}

func (claudeTranslator) RenderStreamError(kind relaymodel.ErrorKind, message string) []byte {
	return sseEvent("error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": string(kind), "message": message},
	})
}

func (claudeTranslator) ContentType(stream bool) string {
	if stream {
		return "text/event-stream"
	}
	return "application/json"
}

func sseEvent(name string, payload map[string]any) []byte {
	body, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, body))
}
