// Package kiro implements the Kiro/CodeWhisperer upstream call: the
// credential bundle stored in Account.Secret carries an OAuth access
// token alongside the AWS static credentials used to SigV4-sign the
// request, built from aws.Config via
// credentials.NewStaticCredentialsProvider. When the access token is
// near expiry this adaptor runs the device-flow refresh (Adaptor.Refresh)
// before signing, then persists the new bundle; with no Refresh set, such
// a request fails with upstream_auth_failed.
package kiro

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/relaymesh/gateway/common/logger"
	"github.com/relaymesh/gateway/model"
	"github.com/relaymesh/gateway/relay/adaptor"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

const (
	defaultBaseURL      = "https://codewhisperer.us-east-1.amazonaws.com"
	defaultRegion       = "us-east-1"
	refreshSkew         = 2 * time.Minute
)

// credentialBundle is the JSON shape stored in Account.Secret for kiro
// accounts: an OAuth access token for the request body/headers, AWS
// static credentials for SigV4 signing, and a refresh token used once
// the access token is within refreshSkew of expiry.
type credentialBundle struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	ExpiresAt       time.Time `json:"expires_at"`
	AWSAccessKey    string    `json:"aws_access_key"`
	AWSSecretKey    string    `json:"aws_secret_key"`
	AWSSessionToken string    `json:"aws_session_token,omitempty"`
}

// RefreshFunc exchanges a refresh token for a new credential bundle. It
// is a field rather than a hardcoded HTTP call so tests can substitute
// a fake device-flow endpoint.
type RefreshFunc func(ctx context.Context, refreshToken string) (*credentialBundle, error)

type Adaptor struct {
	Client  *http.Client
	Refresh RefreshFunc
}

func New(client *http.Client, refresh RefreshFunc) *Adaptor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adaptor{Client: client, Refresh: refresh}
}

type generateRequest struct {
	Model    string            `json:"model"`
	Messages []generateMessage `json:"messages"`
	Stream   bool              `json:"stream"`
}

type generateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (a *Adaptor) Execute(ctx context.Context, account *model.Account, provider *model.Provider, req *relaymodel.Request) (adaptor.ChunkStream, error) {
	bundle, err := a.credentialsFor(ctx, account)
	if err != nil {
		return nil, err
	}

	body := generateRequest{Model: req.Model, Stream: req.Stream}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, generateMessage{Role: string(m.Role), Content: m.Text})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal kiro request")
	}

	baseURL := defaultBaseURL
	if provider.BaseURLOverride != nil && *provider.BaseURLOverride != "" {
		baseURL = *provider.BaseURLOverride
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/generateAssistantResponse", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build kiro request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bundle.AccessToken)

	if err := signRequest(ctx, httpReq, payload, bundle); err != nil {
		return nil, errors.Wrap(err, "sign kiro request")
	}

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return nil, relaymodel.NewError(relaymodel.ErrUpstreamTimeout, err.Error())
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var parsed struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&parsed)
		return nil, relaymodel.NewError(adaptor.ClassifyHTTPError(resp.StatusCode), parsed.Message)
	}

	return &eventStream{scanner: bufio.NewScanner(resp.Body), body: resp.Body}, nil
}

// credentialsFor parses Account.Secret and refreshes it when the access
// token is within refreshSkew of expiry, persisting the refreshed
// bundle back to the account row.
func (a *Adaptor) credentialsFor(ctx context.Context, account *model.Account) (*credentialBundle, error) {
	var bundle credentialBundle
	if err := json.Unmarshal([]byte(account.Secret), &bundle); err != nil {
		return nil, errors.Wrap(err, "parse kiro credential bundle")
	}

	if time.Until(bundle.ExpiresAt) > refreshSkew {
		return &bundle, nil
	}
	if a.Refresh == nil {
		return nil, relaymodel.NewError(relaymodel.ErrUpstreamAuthFailed, "kiro access token near expiry and no refresh function configured")
	}

	refreshed, err := a.Refresh(ctx, bundle.RefreshToken)
	if err != nil {
		return nil, relaymodel.NewError(relaymodel.ErrUpstreamAuthFailed, "kiro token refresh failed: "+err.Error())
	}

	encoded, err := json.Marshal(refreshed)
	if err != nil {
		return nil, errors.Wrap(err, "marshal refreshed kiro credential bundle")
	}
	if err := model.UpdateSecret(account.ID, string(encoded)); err != nil {
		return nil, errors.Wrap(err, "persist refreshed kiro credential bundle")
	}

	return refreshed, nil
}

// UsageFunc reports an account's current free-tier usage/limit, queried
// against kiro's own usage endpoint. A nil UsageFunc disables the
// refresh loop below (no endpoint wired, same shape as RefreshFunc).
type UsageFunc func(ctx context.Context, account *model.Account) (used, limit int64, err error)

// RunUsageSweep polls every enabled kiro account's free-tier usage on a
// fixed interval plus jitter, persisting each result via
// model.UpdateUsage. It runs from the same errgroup as the health sweep
// and log flusher, and returns on ctx cancellation like those loops.
func RunUsageSweep(ctx context.Context, usage UsageFunc, interval time.Duration, jitter time.Duration) error {
	if usage == nil {
		return nil
	}
	for {
		wait := interval
		if jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(jitter)))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		sweepUsageOnce(ctx, usage)
	}
}

func sweepUsageOnce(ctx context.Context, usage UsageFunc) {
	accounts, err := model.ListAccountsByProviderType(model.ProviderTypeKiro)
	if err != nil {
		logger.Logger.Error("kiro usage sweep: list accounts failed", zap.Error(err))
		return
	}
	for _, a := range accounts {
		used, limit, err := usage(ctx, a)
		if err != nil {
			logger.Logger.Warn("kiro usage sweep: query failed", zap.Int("account_id", a.ID), zap.Error(err))
			continue
		}
		if err := model.UpdateUsage(a.ID, used, limit); err != nil {
			logger.Logger.Error("kiro usage sweep: persist failed", zap.Int("account_id", a.ID), zap.Error(err))
		}
	}
}

func signRequest(ctx context.Context, req *http.Request, payload []byte, bundle *credentialBundle) error {
	creds := credentials.NewStaticCredentialsProvider(bundle.AWSAccessKey, bundle.AWSSecretKey, bundle.AWSSessionToken)
	value, err := creds.Retrieve(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieve aws static credentials")
	}

	sum := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(sum[:])

	signer := v4.NewSigner()
	return signer.SignHTTP(ctx, value, req, payloadHash, "codewhisperer", defaultRegion, time.Now())
}

type eventStream struct {
	scanner    *bufio.Scanner
	body       interface{ Close() error }
	closed     bool
	pendingEvt string
}

type assistantDelta struct {
	Content string `json:"content"`
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
		case "done":
			return &relaymodel.Chunk{Done: true}, nil
		default:
			var delta assistantDelta
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				continue
			}
			return &relaymodel.Chunk{TextDelta: delta.Content}, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan kiro stream")
	}
	return &relaymodel.Chunk{Done: true}, nil
}

func (s *eventStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
