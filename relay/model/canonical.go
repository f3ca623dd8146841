// Package model (relay/model) defines the canonical request/response
// shape the dialect translators convert to and from, and the error
// taxonomy that the dispatcher alone renders into a dialect's envelope.
package model

// Role is a canonical message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags one element of a multimodal message content list.
type PartType string

const (
	PartText       PartType = "text"
	PartImageRef   PartType = "image_ref"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one element of a message's content; exactly one of the typed
// fields is populated, selected by Type.
type Part struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	ImageURL    string `json:"image_url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	ImageMIME   string `json:"image_mime,omitempty"`

	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	ToolArgsJSON string `json:"tool_args_json,omitempty"`

	ToolResultContent string `json:"tool_result_content,omitempty"`
	ToolResultIsError bool   `json:"tool_result_is_error,omitempty"`
}

// Message is one turn in the canonical conversation. Content is either a
// single text string (Text populated, Parts empty) or an ordered list of
// multimodal parts.
type Message struct {
	Role    Role   `json:"role"`
	Text    string `json:"text,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ToolDefinition mirrors the function-calling schema shared across
// dialects (name, description, JSON-schema parameters).
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ParamsJSON  string `json:"params_json,omitempty"`
}

// ToolChoice selects how the model should use tools: "auto", "none",
// "required", or a specific tool name.
type ToolChoice struct {
	Mode string `json:"mode"` // auto | none | required | name
	Name string `json:"name,omitempty"`
}

// SamplingParams carries the request's generation knobs.
type SamplingParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Dialect tags the caller's wire format for response re-serialization.
type Dialect string

const (
	DialectOpenAI Dialect = "openai"
	DialectClaude Dialect = "claude"
	DialectGemini Dialect = "gemini"
)

// Request is the canonical shape the dispatcher operates on.
type Request struct {
	Model      string           `json:"model"`
	Messages   []Message        `json:"messages"`
	Sampling   SamplingParams   `json:"sampling"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice *ToolChoice      `json:"tool_choice,omitempty"`
	Stream     bool             `json:"stream"`
	Dialect    Dialect          `json:"-"`
}

// FinishReason is the canonical completion reason, mapped to each
// dialect's own vocabulary at render time.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Usage carries incremental or final token counts.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Chunk is one element of a ChunkStream: zero-or-more text deltas, an
// optional tool-call delta, optional usage metadata, and a terminal
// marker. Implementations may deliver chunks over a channel or an
// iterator as long as order is preserved and cancellation propagates.
type Chunk struct {
	TextDelta    string        `json:"text_delta,omitempty"`
	ToolCallName string        `json:"tool_call_name,omitempty"`
	ToolCallArgs string        `json:"tool_call_args_delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	FinishReason *FinishReason `json:"finish_reason,omitempty"`
	Done         bool          `json:"done"`
}

// Response is the canonical non-streaming response shape.
type Response struct {
	Model        string       `json:"model"`
	Text         string       `json:"text"`
	ToolCalls    []Part       `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// ErrorKind is the canonical outcome taxonomy. Every component below
// the dispatcher returns a tagged outcome using these strings rather
// than writing an HTTP response directly.
type ErrorKind string

const (
	ErrInvalidKey            ErrorKind = "invalid_key"
	ErrTokenDisabled         ErrorKind = "token_disabled"
	ErrTokenExpired          ErrorKind = "token_expired"
	ErrTokenExhausted        ErrorKind = "token_exhausted"
	ErrIPNotAllowed          ErrorKind = "ip_not_allowed"
	ErrModelNotPermitted     ErrorKind = "model_not_permitted"
	ErrQuotaInsufficient     ErrorKind = "quota_insufficient"
	ErrUnsupportedFeature    ErrorKind = "unsupported_request_feature"
	ErrBadRequest            ErrorKind = "bad_request"
	ErrNoProviderAvailable   ErrorKind = "no_provider_available"
	ErrRateLimited           ErrorKind = "rate_limited"
	ErrUpstreamTimeout       ErrorKind = "upstream_timeout"
	ErrUpstream5xx           ErrorKind = "upstream_5xx"
	ErrUpstreamAuthFailed    ErrorKind = "upstream_auth_failed"
	ErrClientCancelled       ErrorKind = "client_cancelled"
)

// Error is the tagged outcome every component returns instead of writing
// to the HTTP response directly.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Retryable reports whether the dispatcher's attempt loop may try
// another account/provider after this error.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrUpstreamTimeout, ErrUpstream5xx, ErrUpstreamAuthFailed, ErrRateLimited:
		return true
	default:
		return false
	}
}
