package controller

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/relaymesh/gateway/common/config"
	"github.com/relaymesh/gateway/common/ctxkey"
	"github.com/relaymesh/gateway/common/helper"
	"github.com/relaymesh/gateway/common/logger"
	"github.com/relaymesh/gateway/common/metrics"
	"github.com/relaymesh/gateway/logsink"
	"github.com/relaymesh/gateway/model"
	"github.com/relaymesh/gateway/monitor"
	"github.com/relaymesh/gateway/ratelimit"
	"github.com/relaymesh/gateway/registry"
	"github.com/relaymesh/gateway/relay/adaptor"
	"github.com/relaymesh/gateway/relay/dialect"
	relaymeta "github.com/relaymesh/gateway/relay/meta"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

// Dispatcher is the only component that owns a gin.Context across
// authorize/parse/resolve/attempt, wiring the health monitor, registries,
// rate limiter, adaptors, and log sink together per request.
type Dispatcher struct {
	Health   *monitor.Engine
	Accounts *registry.AccountRegistry
	Limiter  *ratelimit.Manager
	Adaptors map[string]adaptor.Adaptor
	Logs     *logsink.Sink
}

func New(health *monitor.Engine, accounts *registry.AccountRegistry, limiter *ratelimit.Manager,
	adaptors map[string]adaptor.Adaptor, logs *logsink.Sink) *Dispatcher {
	return &Dispatcher{Health: health, Accounts: accounts, Limiter: limiter, Adaptors: adaptors, Logs: logs}
}

// Handle runs the full dispatch pipeline for one request: parse,
// authorize, resolve, and the attempt loop. Parse runs before Authorize
// because Authorize's model-whitelist and quota checks need the
// canonical model and an estimated prompt-token count, both of which
// only exist once the body is parsed. A body that fails to parse is
// therefore rejected with bad_request before its key is checked. No
// provider or account is touched before Authorize succeeds.
func (d *Dispatcher) Handle(c *gin.Context, dialectTag relaymodel.Dialect) {
	start := time.Now()
	translator := dialect.For(dialectTag)
	requestID, _ := c.Get(ctxkey.RequestID)
	reqID, _ := requestID.(string)

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, dialectTag, relaymodel.ErrBadRequest, "failed to read request body")
		return
	}

	req, perr := translator.Parse(raw)
	if perr != nil {
		writeDispatchError(c, dialectTag, perr)
		return
	}
	req.Dialect = dialectTag
	if m := c.Param("model"); m != "" {
		req.Model = modelFromGeminiPath(m, req.Model)
	}
	if strings.HasSuffix(c.Request.URL.Path, ":streamGenerateContent") {
		req.Stream = true
	}

	estimated := EstimatePromptTokens(req.Messages, req.Model)
	bearerKey := extractBearerKey(c)
	clientIP := c.ClientIP()
	ctx := c.Request.Context()

	token, outcome, aerr := model.Authorize(ctx, bearerKey, clientIP, req.Model, estimated)
	if aerr != nil {
		gmw.GetLogger(c).Error("authorize failed", zap.String("request_id", reqID), zap.Error(aerr))
		writeError(c, dialectTag, relaymodel.ErrUpstream5xx, "internal authorization error")
		return
	}
	if outcome != model.OutcomeOK {
		writeError(c, dialectTag, kindForAuthOutcome(outcome), string(outcome))
		return
	}

	dyn := config.Current()
	c.Set(ctxkey.Meta, &relaymeta.Meta{
		RequestID:            reqID,
		ClientIP:             clientIP,
		Dialect:              dialectTag,
		CanonicalModel:       req.Model,
		Group:                token.Group,
		AccessTokenID:        token.ID,
		UserID:               token.UserID,
		ConnectTimeout:       dyn.ConnectTimeout,
		FirstByteTimeout:     dyn.FirstByteTimeout,
		BetweenChunksTimeout: dyn.BetweenChunksTimeout,
		StartedAt:            start,
	})

	providers, rerr := registry.ResolveProviders(req.Model)
	if rerr != nil {
		gmw.GetLogger(c).Error("resolve providers failed", zap.String("request_id", reqID), zap.Error(rerr))
		writeError(c, dialectTag, relaymodel.ErrUpstream5xx, "internal resolve error")
		return
	}
	if len(providers) == 0 {
		writeError(c, dialectTag, relaymodel.ErrNoProviderAvailable, "no provider supports model "+req.Model)
		return
	}

	pool, perr2 := d.buildPool(registry.FilterByGroup(providers, token.Group))
	if perr2 != nil {
		writeError(c, dialectTag, relaymodel.ErrUpstream5xx, "internal candidate listing error")
		return
	}
	var extension []registry.Candidate
	if token.CrossGroupRetry {
		var other []*model.Provider
		for _, p := range providers {
			if p.Group != token.Group {
				other = append(other, p)
			}
		}
		extension, perr2 = d.buildPool(other)
		if perr2 != nil {
			writeError(c, dialectTag, relaymodel.ErrUpstream5xx, "internal candidate listing error")
			return
		}
	}

	maxAttempts := dyn.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastKind relaymodel.ErrorKind = relaymodel.ErrNoProviderAvailable
	var lastMessage string

	attempts := 0
	for attempts < maxAttempts {
		if len(pool) == 0 {
			if len(extension) > 0 {
				pool, extension = extension, nil
				continue
			}
			break
		}

		candidate, remaining, perr3 := popCandidate(pool)
		pool = remaining
		if perr3 != nil {
			lastKind, lastMessage = relaymodel.ErrUpstream5xx, perr3.Error()
			break
		}
		if candidate == nil {
			if len(extension) > 0 {
				pool, extension = extension, nil
				continue
			}
			break
		}
		attempts++

		rateResult := d.Limiter.Check(candidate.Account.ID, token.ID,
			candidate.Account.RPMLimit, candidate.Account.TPMLimit, token.RPMLimit, token.TPMLimit, estimated)
		if !rateResult.Admitted {
			metrics.RateLimitDenials.WithLabelValues(string(rateResult.DeniedAt)).Inc()
			if rateResult.DeniedAt == ratelimit.LayerAccount {
				lastKind, lastMessage = relaymodel.ErrRateLimited, "account rate limited"
				continue
			}
			writeError(c, dialectTag, relaymodel.ErrRateLimited, "rate limited")
			return
		}

		ad, ok := d.Adaptors[candidate.Provider.Type]
		if !ok {
			lastKind, lastMessage = relaymodel.ErrUpstream5xx, "no adaptor for provider type "+candidate.Provider.Type
			d.Limiter.RefundPreCharge(candidate.Account.ID, token.ID, estimated)
			continue
		}

		execCtx, cancel := context.WithTimeout(ctx, dyn.ConnectTimeout+dyn.FirstByteTimeout+dyn.BetweenChunksTimeout)
		stream, eerr := ad.Execute(execCtx, candidate.Account, candidate.Provider, req)
		if eerr != nil {
			cancel()
			kind := classifyErr(eerr)
			d.recordOutcome(candidate.Account.ID, kind)
			d.Limiter.RefundPreCharge(candidate.Account.ID, token.ID, estimated)
			lastKind, lastMessage = kind, eerr.Error()
			metrics.DispatchAttempts.WithLabelValues(candidate.Provider.Name, string(kind)).Inc()
			if attempts < maxAttempts && kind.Retryable() {
				continue
			}
			break
		}

		var usage relaymodel.Usage
		var finish relaymodel.FinishReason
		var statusCode int
		var midStreamKind relaymodel.ErrorKind
		var committed bool

		if req.Stream {
			usage, finish, midStreamKind, committed, statusCode = d.runStreamAttempt(execCtx, c, translator, stream, candidate)
		} else {
			usage, finish, midStreamKind, committed, statusCode = d.runUnaryAttempt(execCtx, c, translator, stream, candidate, req.Model)
		}
		cancel()

		if midStreamKind == "" {
			// success
			d.recordOutcome(candidate.Account.ID, relaymodel.ErrorKind(""))
			d.Health.Record(candidate.Account.ID, monitor.OutcomeSuccess)
			d.Limiter.Reconcile(candidate.Account.ID, token.ID, estimated, usage.PromptTokens+usage.CompletionTokens)
			if cerr := model.CommitUsage(ctx, token.ID, token.UserID, usage.PromptTokens, usage.CompletionTokens); cerr != nil {
				gmw.GetLogger(c).Error("commit usage failed", zap.String("request_id", reqID), zap.Error(cerr))
			}
			d.appendLog(reqID, token, candidate, req.Model, statusCode, usage, start, "")
			metrics.DispatchAttempts.WithLabelValues(candidate.Provider.Name, "success").Inc()
			metrics.RequestDuration.WithLabelValues(string(dialectTag)).Observe(time.Since(start).Seconds())
			_ = finish
			return
		}

		d.recordOutcome(candidate.Account.ID, midStreamKind)
		metrics.DispatchAttempts.WithLabelValues(candidate.Provider.Name, string(midStreamKind)).Inc()

		if !committed {
			// pre-first-chunk failure: refund and maybe retry
			d.Limiter.RefundPreCharge(candidate.Account.ID, token.ID, estimated)
			lastKind, lastMessage = midStreamKind, "upstream failure before first chunk"
			if attempts < maxAttempts && midStreamKind.Retryable() && midStreamKind != relaymodel.ErrClientCancelled {
				continue
			}
			break
		}

		// post-first-chunk failure: mid-stream error already written to the
		// client by runStreamAttempt/runUnaryAttempt. Commit partial usage
		// and stop; this is terminal, never retried.
		d.Limiter.Reconcile(candidate.Account.ID, token.ID, estimated, usage.PromptTokens+usage.CompletionTokens)
		if cerr := model.CommitUsage(ctx, token.ID, token.UserID, usage.PromptTokens, usage.CompletionTokens); cerr != nil {
			gmw.GetLogger(c).Error("commit partial usage failed", zap.String("request_id", reqID), zap.Error(cerr))
		}
		code := statusCode
		if midStreamKind == relaymodel.ErrClientCancelled {
			code = 499
		}
		d.appendLog(reqID, token, candidate, req.Model, code, usage, start, midStreamKind)
		metrics.RequestDuration.WithLabelValues(string(dialectTag)).Observe(time.Since(start).Seconds())
		return
	}

	if !c.Writer.Written() {
		writeError(c, dialectTag, statusKindForExhaustion(lastKind), lastMessage)
	}
	d.appendLog(reqID, token, nil, req.Model, statusForKind(lastKind), relaymodel.Usage{}, start, lastKind)
}

// statusKindForExhaustion maps loop exhaustion to a 502 carrying the last
// underlying error kind. Invalid-key-class outcomes never reach the
// attempt loop; every other kind that survives here, including
// rate_limited from an account-layer denial or an upstream 429, renders
// as 502 regardless of its own table entry. no_provider_available keeps
// its 503.
func statusKindForExhaustion(kind relaymodel.ErrorKind) relaymodel.ErrorKind {
	switch kind {
	case relaymodel.ErrNoProviderAvailable:
		return kind
	default:
		return relaymodel.ErrUpstream5xx
	}
}

func (d *Dispatcher) recordOutcome(accountID int, kind relaymodel.ErrorKind) {
	var outcome monitor.Outcome
	switch kind {
	case "":
		outcome = monitor.OutcomeSuccess
	case relaymodel.ErrRateLimited:
		outcome = monitor.OutcomeRateLimited
	case relaymodel.ErrUpstreamAuthFailed:
		outcome = monitor.OutcomeAuthFailed
	case relaymodel.ErrUpstream5xx:
		outcome = monitor.OutcomeUpstream5xx
	case relaymodel.ErrUpstreamTimeout:
		outcome = monitor.OutcomeTimeout
	default:
		outcome = monitor.OutcomeClientError
	}
	if outcome == monitor.OutcomeSuccess {
		return // success path records separately, with its own log fields
	}
	if err := d.Health.Record(accountID, outcome); err != nil {
		logger.Logger.Error("health record failed", zap.Int("account_id", accountID), zap.Error(err))
	}
}

func (d *Dispatcher) appendLog(requestID string, token *model.AccessToken, candidate *registry.Candidate,
	canonicalModel string, statusCode int, usage relaymodel.Usage, start time.Time, errKind relaymodel.ErrorKind) {
	if d.Logs == nil {
		return
	}
	row := &model.LogRow{
		CreatedAt:        helper.GetTimestamp(),
		RequestID:        requestID,
		CanonicalModel:   canonicalModel,
		StatusCode:       statusCode,
		DurationMillis:   time.Since(start).Milliseconds(),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		ErrorKind:        string(errKind),
	}
	if token != nil {
		row.AccessTokenID = token.ID
		row.UserID = token.UserID
	}
	if candidate != nil {
		row.ProviderID = candidate.Provider.ID
		row.AccountID = candidate.Account.ID
	}
	d.Logs.Append(row)
}

// buildPool lists every enabled account (with current health) for each
// provider, in the order providers were resolved, giving the ranking
// step a single flat pool to pick from on every attempt.
func (d *Dispatcher) buildPool(providers []*model.Provider) ([]registry.Candidate, error) {
	pool := make([]registry.Candidate, 0, len(providers)*2)
	for _, p := range providers {
		cands, err := d.Accounts.ListForProvider(p)
		if err != nil {
			return nil, err
		}
		pool = append(pool, cands...)
	}
	return pool, nil
}

func popCandidate(pool []registry.Candidate) (*registry.Candidate, []registry.Candidate, error) {
	dyn := config.Current()
	chosen, err := registry.Pick(pool, registry.StrategyWeightedRandom, dyn.AllowUnhealthyFallback)
	if err != nil {
		return nil, pool, err
	}
	if chosen == nil {
		return nil, pool, nil
	}
	remaining := make([]registry.Candidate, 0, len(pool))
	for _, c := range pool {
		if c.Account.ID == chosen.Account.ID {
			continue
		}
		remaining = append(remaining, c)
	}
	return chosen, remaining, nil
}

// modelFromGeminiPath strips the Gemini path's ":generateContent" /
// ":streamGenerateContent" method suffix from the {model} route param,
// since Gemini's wire format carries the model in the URL rather than
// the request body. fallback is returned unchanged for non-Gemini
// dialects, where param is always empty.
func modelFromGeminiPath(param, fallback string) string {
	if idx := strings.LastIndex(param, ":"); idx >= 0 {
		return param[:idx]
	}
	if param != "" {
		return param
	}
	return fallback
}

func extractBearerKey(c *gin.Context) string {
	if v := c.GetHeader("Authorization"); v != "" {
		return strings.TrimPrefix(strings.TrimPrefix(v, "Bearer "), config.TokenKeyPrefix)
	}
	if v := c.GetHeader("X-Api-Key"); v != "" {
		return strings.TrimPrefix(v, config.TokenKeyPrefix)
	}
	return ""
}

func kindForAuthOutcome(o model.AuthOutcome) relaymodel.ErrorKind {
	switch o {
	case model.OutcomeInvalidKey:
		return relaymodel.ErrInvalidKey
	case model.OutcomeTokenDisabled:
		return relaymodel.ErrTokenDisabled
	case model.OutcomeTokenExpired:
		return relaymodel.ErrTokenExpired
	case model.OutcomeTokenExhausted:
		return relaymodel.ErrTokenExhausted
	case model.OutcomeIPNotAllowed:
		return relaymodel.ErrIPNotAllowed
	case model.OutcomeModelNotPermitted:
		return relaymodel.ErrModelNotPermitted
	case model.OutcomeQuotaInsufficient:
		return relaymodel.ErrQuotaInsufficient
	default:
		return relaymodel.ErrInvalidKey
	}
}

func classifyErr(err error) relaymodel.ErrorKind {
	if derr, ok := err.(*relaymodel.Error); ok {
		return derr.Kind
	}
	if err == context.DeadlineExceeded {
		return relaymodel.ErrUpstreamTimeout
	}
	if err == context.Canceled {
		return relaymodel.ErrClientCancelled
	}
	return relaymodel.ErrUpstream5xx
}

// runStreamAttempt drives one ChunkStream to the client via the
// translator's SSE/JSON-object framing, reporting whether the first chunk
// was ever delivered (the commit point past which the attempt is no
// longer retryable). On a pre-first-chunk error, statusCode/usage are
// meaningless and the caller must not have written anything to c.Writer
// yet (gin itself hasn't sent headers until the first Write call).
func (d *Dispatcher) runStreamAttempt(ctx context.Context, c *gin.Context, t dialect.Translator,
	stream adaptor.ChunkStream, candidate *registry.Candidate) (usage relaymodel.Usage, finish relaymodel.FinishReason, midStreamKind relaymodel.ErrorKind, committed bool, statusCode int) {
	defer stream.Close()

	headersSent := false
	flusher, _ := c.Writer.(http.Flusher)

	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			kind := classifyErr(err)
			if !headersSent {
				return usage, finish, kind, false, 0
			}
			c.Writer.Write(t.RenderStreamError(kind, err.Error()))
			if flusher != nil {
				flusher.Flush()
			}
			return usage, finish, kind, true, http.StatusOK
		}

		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.FinishReason != nil {
			finish = *chunk.FinishReason
		}

		body := t.RenderStreamChunk(chunk)
		if !headersSent {
			c.Writer.Header().Set("Content-Type", t.ContentType(true))
			c.Writer.WriteHeader(http.StatusOK)
			headersSent = true
			committed = true
			statusCode = http.StatusOK
		}
		if len(body) > 0 {
			c.Writer.Write(body)
			if flusher != nil {
				flusher.Flush()
			}
		}

		if chunk.Done {
			return usage, finish, "", committed, statusCode
		}
	}
}

// runUnaryAttempt accumulates a ChunkStream into a single Response and
// writes it once. Nothing is delivered to the client until accumulation
// finishes, so any failure here is always pre-first-chunk.
func (d *Dispatcher) runUnaryAttempt(ctx context.Context, c *gin.Context, t dialect.Translator,
	stream adaptor.ChunkStream, candidate *registry.Candidate, canonicalModel string) (usage relaymodel.Usage, finish relaymodel.FinishReason, midStreamKind relaymodel.ErrorKind, committed bool, statusCode int) {
	defer stream.Close()

	var text strings.Builder
	finish = relaymodel.FinishStop

	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			return usage, finish, classifyErr(err), false, 0
		}
		text.WriteString(chunk.TextDelta)
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.FinishReason != nil {
			finish = *chunk.FinishReason
		}
		if chunk.Done {
			break
		}
	}

	resp := &relaymodel.Response{Model: canonicalModel, Text: text.String(), FinishReason: finish, Usage: usage}
	body, merr := t.RenderUnary(resp)
	if merr != nil {
		return usage, finish, relaymodel.ErrUpstream5xx, false, 0
	}
	c.Writer.Header().Set("Content-Type", t.ContentType(false))
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Write(body)
	return usage, finish, "", true, http.StatusOK
}
