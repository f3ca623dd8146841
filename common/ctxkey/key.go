// Package ctxkey names the values the dispatcher threads through a
// gin.Context for the lifetime of one request.
package ctxkey

const (
	// RequestID is the per-request identifier assigned at the HTTP edge.
	// Set in: middleware/requestid.
	// Read in: relay/controller, for log fields and LogRow.RequestID.
	RequestID = "request_id"

	// AccessToken names the slot for the authenticated *model.AccessToken.
	// Not set by any component in this module: relay/controller keeps the
	// token returned by model.Authorize in a local variable.
	AccessToken = "access_token"

	// User names the slot for the *model.User owning AccessToken.
	// Not set by any component in this module.
	User = "user"

	// RequestModel names the slot for the canonical model name parsed from
	// the caller's dialect body. Not set by any component in this module;
	// relay/controller records the model in Meta.CanonicalModel.
	RequestModel = "request_model"

	// Dialect is the caller's wire format, one of relay/model's Dialect
	// values. Not set on the context: router passes it to
	// Dispatcher.Handle as an argument, one value per route.
	Dialect = "dialect"

	// Group names the slot for the access token's group label. Not set by
	// any component in this module; relay/controller records it in
	// Meta.Group.
	Group = "group"

	// EstimatedPromptTokens names the slot for the pre-execution token
	// estimate. Not set by any component in this module; relay/controller
	// passes the estimate directly to model.Authorize and
	// ratelimit.Manager.Check.
	EstimatedPromptTokens = "estimated_prompt_tokens"

	// Meta holds the aggregated *relaymeta.Meta for the request (resolved
	// model, group, timeouts snapshot).
	// Set in: relay/controller after model.Authorize succeeds.
	Meta = "meta"

	// ClientIP names the slot for the caller's remote address. Not set by
	// any component in this module; relay/controller passes c.ClientIP()
	// to model.Authorize and records it in Meta.ClientIP.
	ClientIP = "client_ip"
)
