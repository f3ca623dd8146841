package dialect

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"

	relaymodel "github.com/relaymesh/gateway/relay/model"
)

// geminiTranslator implements Gemini's generateContent/streamGenerateContent
// wire format. Unlike OpenAI and Claude, Gemini's streaming body is not SSE:
// it is a sequence of concatenated JSON objects served with
// application/json.
type geminiTranslator struct{}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig *geminiFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
}

func (geminiTranslator) Parse(raw []byte) (*relaymodel.Request, error) {
	var req geminiRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, errors.Wrap(err, "parse gemini request").Error())
	}
	if len(req.Contents) == 0 {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "contents is required")
	}

	out := &relaymodel.Request{
		Stream:  false,
		Dialect: relaymodel.DialectGemini,
	}

	if req.GenerationConfig != nil {
		out.Sampling = relaymodel.SamplingParams{
			Temperature: req.GenerationConfig.Temperature,
			TopP:        req.GenerationConfig.TopP,
			MaxTokens:   req.GenerationConfig.MaxOutputTokens,
			Stop:        req.GenerationConfig.StopSequences,
		}
	}

	if req.SystemInstruction != nil {
		msg, err := messageFromGemini(relaymodel.RoleSystem, req.SystemInstruction.Parts)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, c := range req.Contents {
		role := relaymodel.RoleUser
		if c.Role == "model" {
			role = relaymodel.RoleAssistant
		}
		msg, err := messageFromGemini(role, c.Parts)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, tool := range req.Tools {
		for _, fn := range tool.FunctionDeclarations {
			out.Tools = append(out.Tools, relaymodel.ToolDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				ParamsJSON:  string(fn.Parameters),
			})
		}
	}

	if req.ToolConfig != nil && req.ToolConfig.FunctionCallingConfig != nil {
		out.ToolChoice = geminiToolChoiceFromConfig(req.ToolConfig.FunctionCallingConfig)
	}

	return out, nil
}

// geminiToolChoiceFromConfig maps Gemini's functionCallingConfig.mode
// (AUTO/ANY/NONE, plus an optional single-name allow-list under ANY)
// onto the canonical ToolChoice.
func geminiToolChoiceFromConfig(cfg *geminiFunctionCallingConfig) *relaymodel.ToolChoice {
	switch cfg.Mode {
	case "NONE":
		return &relaymodel.ToolChoice{Mode: "none"}
	case "ANY":
		if len(cfg.AllowedFunctionNames) == 1 {
			return &relaymodel.ToolChoice{Mode: "name", Name: cfg.AllowedFunctionNames[0]}
		}
		return &relaymodel.ToolChoice{Mode: "required"}
	default:
		return &relaymodel.ToolChoice{Mode: "auto"}
	}
}

// partFromGemini converts one Gemini part (a field-discriminated union)
// into a canonical Part, failing closed when none of the known fields
// are populated rather than silently treating it as empty text.
func partFromGemini(p geminiPart) (relaymodel.Part, error) {
	switch {
	case p.InlineData != nil:
		return relaymodel.Part{Type: relaymodel.PartImageRef, ImageBase64: p.InlineData.Data, ImageMIME: p.InlineData.MimeType}, nil
	case p.FunctionCall != nil:
		argsJSON, _ := json.Marshal(p.FunctionCall.Args)
		return relaymodel.Part{Type: relaymodel.PartToolCall, ToolName: p.FunctionCall.Name, ToolArgsJSON: string(argsJSON)}, nil
	case p.FunctionResponse != nil:
		respJSON, _ := json.Marshal(p.FunctionResponse.Response)
		return relaymodel.Part{Type: relaymodel.PartToolResult, ToolName: p.FunctionResponse.Name, ToolResultContent: string(respJSON)}, nil
	case p.Text != "":
		return relaymodel.Part{Type: relaymodel.PartText, Text: p.Text}, nil
	default:
		return relaymodel.Part{}, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unrecognized gemini content part")
	}
}

// messageFromGemini builds a canonical Message from a Gemini parts list.
// A single text part collapses onto Message.Text (matching every other
// dialect's single-string-content convention); anything else produces an
// explicit Parts list.
func messageFromGemini(role relaymodel.Role, parts []geminiPart) (relaymodel.Message, error) {
	if len(parts) == 1 {
		part, err := partFromGemini(parts[0])
		if err != nil {
			return relaymodel.Message{}, err
		}
		if part.Type == relaymodel.PartText {
			return relaymodel.Message{Role: role, Text: part.Text}, nil
		}
		return relaymodel.Message{Role: role, Parts: []relaymodel.Part{part}}, nil
	}

	msg := relaymodel.Message{Role: role}
	for _, p := range parts {
		part, err := partFromGemini(p)
		if err != nil {
			return relaymodel.Message{}, err
		}
		msg.Parts = append(msg.Parts, part)
	}
	return msg, nil
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

func geminiFinishReason(f relaymodel.FinishReason) string {
	switch f {
	case relaymodel.FinishLength:
		return "MAX_TOKENS"
	case relaymodel.FinishToolCalls:
		return "STOP"
	default:
		return "STOP"
	}
}

func (geminiTranslator) RenderUnary(resp *relaymodel.Response) ([]byte, error) {
	out := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      geminiContent{Role: "model", Parts: []geminiPart{{Text: resp.Text}}},
			FinishReason: geminiFinishReason(resp.FinishReason),
		}},
		UsageMetadata: geminiUsageMetadata{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
		},
	}
	return json.Marshal(out)
}

// RenderStreamChunk returns one raw JSON object (no SSE framing, no
// trailing [DONE] marker); the dispatcher writes these back to back as
// they are produced, and the HTTP response itself terminates the stream.
func (geminiTranslator) RenderStreamChunk(c *relaymodel.Chunk) []byte {
	if c.Done {
		return nil
	}

	cand := geminiCandidate{
		Content: geminiContent{Role: "model", Parts: []geminiPart{{Text: c.TextDelta}}},
	}
	if c.FinishReason != nil {
		cand.FinishReason = geminiFinishReason(*c.FinishReason)
	}
	out := geminiResponse{Candidates: []geminiCandidate{cand}}
	if c.Usage != nil {
		out.UsageMetadata = geminiUsageMetadata{
			PromptTokenCount:     c.Usage.PromptTokens,
			CandidatesTokenCount: c.Usage.CompletionTokens,
		}
	}
	body, _ := json.Marshal(out)
	return body
}

func (geminiTranslator) RenderStreamError(kind relaymodel.ErrorKind, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"status": string(kind), "message": message},
	})
	return body
}

func (geminiTranslator) ContentType(stream bool) string {
	return "application/json"
}
