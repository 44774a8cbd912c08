// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package bedrock implements llm.Provider for Meta Llama chat models on AWS
// Bedrock, authenticated through the default AWS credential chain.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"conduit/platform/metering/llm"
)

const (
	DefaultModel = "meta.llama3-8b-instruct-v1:0"

	// DefaultSystemPrompt is prepended when the conversation has no system turn.
	DefaultSystemPrompt = "You are a helpful, respectful and honest assistant. Always answer as helpfully as possible, while being safe. " +
		"Your answers should not include any harmful, unethical, racist, sexist, toxic, dangerous, or illegal content. " +
		"Please ensure that your responses are socially unbiased and positive in nature.\n\n" +
		"If a question does not make any sense, or is not factually coherent, explain why instead of answering something not correct. " +
		"If you don't know the answer to a question, please don't share false information."

	providerName = "bedrock"
)

// InvokeModelAPI is the subset of the bedrockruntime client used here.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Config struct {
	Region       string
	Model        string
	SystemPrompt string
	Client       InvokeModelAPI // Optional: overrides the SDK client
}

// Provider invokes Meta Llama models through bedrockruntime.InvokeModel.
type Provider struct {
	client       InvokeModelAPI
	region       string
	model        string
	systemPrompt string
}

// NewProvider loads AWS configuration for cfg.Region unless a client is supplied.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if !isMetaModel(cfg.Model) {
		return nil, fmt.Errorf("unsupported bedrock model family: %s", cfg.Model)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	client := cfg.Client
	if client == nil {
		if cfg.Region == "" {
			return nil, fmt.Errorf("bedrock region is required")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{
		client:       client,
		region:       cfg.Region,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(llamaRequest{
		Prompt:      p.renderPrompt(model, req.Messages),
		MaxGenLen:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, mapError(err)
	}

	var resp llamaResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, &llm.APIError{
			Provider:   providerName,
			StatusCode: http.StatusBadGateway,
			Type:       "invalid_response",
			Message:    fmt.Sprintf("failed to unmarshal response: %v", err),
			Err:        err,
		}
	}

	return &llm.CompletionResponse{
		Content:    strings.TrimSpace(resp.Generation),
		Model:      model,
		StopReason: resp.StopReason,
		Usage: llm.Usage{
			PromptTokens:     resp.PromptTokenCount,
			CompletionTokens: resp.GenerationTokenCount,
		},
		Latency: time.Since(start),
	}, nil
}

// renderPrompt flattens the chat into the model's instruction template.
func (p *Provider) renderPrompt(model string, messages []llm.Message) string {
	system := p.systemPrompt
	var turns []llm.Message
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			system = m.Content
			continue
		}
		turns = append(turns, m)
	}
	if strings.HasPrefix(model, "meta.llama2") {
		return renderLlama2(system, turns)
	}
	return renderLlama3(system, turns)
}

func renderLlama2(system string, turns []llm.Message) string {
	var b strings.Builder
	first := true
	for _, m := range turns {
		switch m.Role {
		case llm.RoleUser:
			b.WriteString("<s>[INST] ")
			if first && system != "" {
				b.WriteString("<<SYS>>\n" + system + "\n<</SYS>>\n\n")
			}
			first = false
			b.WriteString(strings.TrimSpace(m.Content))
			b.WriteString(" [/INST]")
		case llm.RoleAssistant:
			b.WriteString(" " + strings.TrimSpace(m.Content) + " </s>")
		}
	}
	return b.String()
}

func renderLlama3(system string, turns []llm.Message) string {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	writeHeader := func(role, content string) {
		b.WriteString("<|start_header_id|>" + role + "<|end_header_id|>\n\n")
		b.WriteString(strings.TrimSpace(content))
		b.WriteString("<|eot_id|>")
	}
	if system != "" {
		writeHeader(llm.RoleSystem, system)
	}
	for _, m := range turns {
		writeHeader(m.Role, m.Content)
	}
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return b.String()
}

// mapError converts SDK errors into the llm taxonomy.
func mapError(err error) error {
	apiErr := &llm.APIError{Provider: providerName, Message: err.Error(), Err: err}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		apiErr.StatusCode = respErr.HTTPStatusCode()
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		apiErr.Type = ae.ErrorCode()
		apiErr.Message = ae.ErrorMessage()
		switch ae.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			apiErr.StatusCode = http.StatusForbidden
		case "ThrottlingException", "ServiceQuotaExceededException":
			apiErr.StatusCode = http.StatusTooManyRequests
		case "ModelTimeoutException", "InternalServerException", "ServiceUnavailableException", "ModelNotReadyException":
			if apiErr.StatusCode < 500 {
				apiErr.StatusCode = http.StatusServiceUnavailable
			}
		case "ValidationException", "ModelErrorException":
			if apiErr.StatusCode == 0 {
				apiErr.StatusCode = http.StatusBadRequest
			}
		}
		return apiErr
	}

	if apiErr.StatusCode == 0 {
		return llm.TransportError(providerName, err)
	}
	return apiErr
}

func isMetaModel(model string) bool {
	return strings.HasPrefix(model, "meta.")
}

type llamaRequest struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len,omitempty"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type llamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}
