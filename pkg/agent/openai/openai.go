// Package openai is an agent backend that asks an OpenAI-compatible chat
// completion endpoint for a remediation decision in JSON. The same client
// doubles as the natural-language query planner for
// execute-remediation-query.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/StricklySoft/selfheal/pkg/agent"
	"github.com/StricklySoft/selfheal/pkg/catalog"
	"github.com/StricklySoft/selfheal/pkg/config"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

// Config configures the endpoint and request pacing.
type Config struct {
	APIKey            config.Secret `env:"API_KEY" yaml:"api_key"`
	BaseURL           string        `env:"BASE_URL" yaml:"base_url"`
	Model             string        `env:"MODEL" envDefault:"gpt-4o-mini" yaml:"model"`
	Temperature       float64       `env:"TEMPERATURE" envDefault:"0" yaml:"temperature" validate:"gte=0,lte=2"`
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND" envDefault:"2" yaml:"requests_per_second" validate:"gt=0"`
	Burst             int           `env:"BURST" envDefault:"2" yaml:"burst" validate:"gte=1"`
}

// Configured reports whether an API key was given.
func (c *Config) Configured() bool {
	return !c.APIKey.Empty()
}

// ChatClient is the subset of *goopenai.Client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

var _ ChatClient = (*goopenai.Client)(nil)

// Backend implements agent.Backend and catalog.QueryPlanner.
type Backend struct {
	client      ChatClient
	model       string
	temperature float32
	limiter     *rate.Limiter
	logger      *slog.Logger
}

var (
	_ agent.Backend        = (*Backend)(nil)
	_ catalog.QueryPlanner = (*Backend)(nil)
)

// New creates a backend talking to cfg.BaseURL, or the public endpoint
// when it is empty.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if !cfg.Configured() {
		return nil, sserr.New(sserr.CodeValidationRequired, "openai: api_key is required")
	}
	cc := goopenai.DefaultConfig(cfg.APIKey.Value())
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	return NewFromClient(goopenai.NewClientWithConfig(cc), cfg, logger), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client ChatClient, cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Backend{
		client:      client,
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		logger:      logger,
	}
}

const decidePrompt = `You are the diagnosis step of a data-pipeline self-healing system.
Given a failed job and the remediation actions available, choose at most one action.
Reply with a single JSON object:
{"action_name": string, "parameters": object, "confidence": number between 0 and 1, "rationale": string}
Use "action_name": "" when no listed action fits. Never invent action names or parameters.`

const planPrompt = `Translate the request into exactly one PostgreSQL statement that fixes the data.
Reply with a single JSON object: {"sql": string}. Never use DDL or permission statements.`

type decisionReply struct {
	ActionName string         `json:"action_name"`
	Parameters map[string]any `json:"parameters"`
	Confidence float64        `json:"confidence"`
	Rationale  string         `json:"rationale"`
}

// Decide implements agent.Backend.
func (b *Backend) Decide(ctx context.Context, req agent.Request) (*incident.Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "openai: failed to encode request")
	}
	var reply decisionReply
	if err := b.complete(ctx, decidePrompt, string(body), &reply); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(reply.ActionName)
	if name == "" || strings.EqualFold(name, "none") {
		b.logger.Info("openai: agent declined to decide", "incident_id", req.IncidentID, "rationale", reply.Rationale)
		return nil, nil
	}
	return &incident.Decision{
		ActionName: name,
		Parameters: reply.Parameters,
		Confidence: reply.Confidence,
		Rationale:  reply.Rationale,
	}, nil
}

// Plan implements catalog.QueryPlanner.
func (b *Backend) Plan(ctx context.Context, question string) (string, error) {
	var reply struct {
		SQL string `json:"sql"`
	}
	if err := b.complete(ctx, planPrompt, question, &reply); err != nil {
		return "", err
	}
	if strings.TrimSpace(reply.SQL) == "" {
		return "", sserr.New(sserr.CodeValidationParameters, "openai: planner returned no statement")
	}
	return reply.SQL, nil
}

func (b *Backend) complete(ctx context.Context, system, user string, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return sserr.FromContext(err, sserr.CodeTimeoutDependency, "openai: rate limiter wait aborted")
	}
	resp, err := b.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       b.model,
		Temperature: b.temperature,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: system},
			{Role: goopenai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return classify(err)
	}
	if len(resp.Choices) == 0 {
		return sserr.New(sserr.CodeValidation, "openai: response has no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return sserr.Wrap(err, sserr.CodeValidation, "openai: response is not the expected JSON")
	}
	return nil
}

// classify separates failures where the request provably was not
// processed (rate limiting, overload, refused connections) from
// indeterminate ones.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sserr.FromContext(err, sserr.CodeTimeoutDependency, "openai: request aborted")
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(err, apiErr.HTTPStatusCode)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return byStatus(err, reqErr.HTTPStatusCode)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "openai: endpoint unreachable")
	}
	return sserr.Wrap(err, sserr.CodeInternal, "openai: request failed")
}

func byStatus(err error, status int) error {
	msg := fmt.Sprintf("openai: endpoint returned %d", status)
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway:
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return sserr.Wrap(err, sserr.CodeAuthentication, msg)
	case http.StatusGatewayTimeout:
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, msg)
	}
	return sserr.Wrap(err, sserr.CodeInternal, msg)
}
