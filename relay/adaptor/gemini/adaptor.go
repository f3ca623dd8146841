// Package gemini implements the Google generateContent/streamGenerateContent
// upstream call: API key as a query parameter, and a streamed response body
// that is concatenated JSON objects rather than SSE (mirrored from the
// caller-facing gemini dialect).
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/Laisky/errors/v2"

	"github.com/relaymesh/gateway/model"
	"github.com/relaymesh/gateway/relay/adaptor"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type Adaptor struct {
	Client *http.Client
}

func New(client *http.Client) *Adaptor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adaptor{Client: client}
}

type part struct {
	Text string `json:"text,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type tool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig *functionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
}

func (a *Adaptor) Execute(ctx context.Context, account *model.Account, provider *model.Provider, req *relaymodel.Request) (adaptor.ChunkStream, error) {
	body := buildGenerateRequest(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal gemini request")
	}

	baseURL := defaultBaseURL
	if provider.BaseURLOverride != nil && *provider.BaseURLOverride != "" {
		baseURL = *provider.BaseURLOverride
	}

	method := "generateContent"
	if req.Stream {
		method = "streamGenerateContent"
	}
	url := baseURL + "/v1beta/models/" + req.Model + ":" + method + "?key=" + account.Secret

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build gemini request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return &objectStream{scanner: bufio.NewScanner(resp.Body), body: resp.Body}, nil
	}
	return newUnaryStream(resp)
}

func buildGenerateRequest(req *relaymodel.Request) generateRequest {
	out := generateRequest{}
	if req.Sampling.Temperature != nil || req.Sampling.TopP != nil || req.Sampling.MaxTokens != nil || len(req.Sampling.Stop) > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Sampling.Temperature,
			TopP:            req.Sampling.TopP,
			MaxOutputTokens: req.Sampling.MaxTokens,
			StopSequences:   req.Sampling.Stop,
		}
	}

	for _, m := range req.Messages {
		if m.Role == relaymodel.RoleSystem {
			sys := content{Parts: []part{{Text: m.Text}}}
			out.SystemInstruction = &sys
			continue
		}
		role := "user"
		if m.Role == relaymodel.RoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: []part{{Text: m.Text}}})
	}

	if len(req.Tools) > 0 {
		var decls []functionDeclaration
		for _, t := range req.Tools {
			decls = append(decls, functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.ParamsJSON),
			})
		}
		out.Tools = []tool{{FunctionDeclarations: decls}}
	}

	if req.ToolChoice != nil {
		cfg := &functionCallingConfig{}
		switch req.ToolChoice.Mode {
		case "none":
			cfg.Mode = "NONE"
		case "name":
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{req.ToolChoice.Name}
		case "required":
			cfg.Mode = "ANY"
		default:
			cfg.Mode = "AUTO"
		}
		out.ToolConfig = &toolConfig{FunctionCallingConfig: cfg}
	}

	return out
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

func geminiFinishToCanonical(reason string) relaymodel.FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return relaymodel.FinishLength
	case "":
		return relaymodel.FinishStop
	default:
		return relaymodel.FinishStop
	}
}

// objectStream splits the body into top-level JSON objects. Gemini's
// stream endpoint writes a JSON array whose elements arrive
// incrementally; bufio.Scanner with a brace-depth split function lets
// us decode each object as it completes without buffering the whole
// array.
type objectStream struct {
	scanner *bufio.Scanner
	body    interface{ Close() error }
	closed  bool
	started bool
}

func splitJSONObjects(data []byte, atEOF bool) (advance int, token []byte, err error) {
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, b := range data {
		if inString {
			if escaped {
				escaped = false
			} else if b == '\\' {
				escaped = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				return i + 1, data[start : i+1], nil
			}
		}
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

func (s *objectStream) Next(ctx context.Context) (*relaymodel.Chunk, error) {
	if !s.started {
		s.started = true
		s.scanner.Split(splitJSONObjects)
		s.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	}

	for s.scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tok := s.scanner.Bytes()
		if len(tok) == 0 {
			continue
		}

		var parsed generateResponse
		if err := json.Unmarshal(tok, &parsed); err != nil {
			continue
		}
		if len(parsed.Candidates) == 0 {
			continue
		}
		cand := parsed.Candidates[0]
		out := &relaymodel.Chunk{}
		if len(cand.Content.Parts) > 0 {
			out.TextDelta = cand.Content.Parts[0].Text
		}
		if cand.FinishReason != "" {
			fr := geminiFinishToCanonical(cand.FinishReason)
			out.FinishReason = &fr
		}
		if parsed.UsageMetadata.PromptTokenCount > 0 || parsed.UsageMetadata.CandidatesTokenCount > 0 {
			out.Usage = &relaymodel.Usage{
				PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
				CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			}
		}
		return out, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan gemini stream")
	}
	return &relaymodel.Chunk{Done: true}, nil
}

func (s *objectStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

type unaryStream struct {
	chunk *relaymodel.Chunk
}

func newUnaryStream(resp *http.Response) (*unaryStream, error) {
	defer resp.Body.Close()

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, relaymodel.NewError(relaymodel.ErrUpstream5xx, "decode gemini response: "+err.Error())
	}

	var text string
	var finish relaymodel.FinishReason = relaymodel.FinishStop
	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		if len(cand.Content.Parts) > 0 {
			text = cand.Content.Parts[0].Text
		}
		finish = geminiFinishToCanonical(cand.FinishReason)
	}

	return &unaryStream{chunk: &relaymodel.Chunk{
		TextDelta:    text,
		FinishReason: &finish,
		Usage: &relaymodel.Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
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
