package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"autodash/internal/domain"
)

type Kind string

const (
	KindGeneral  Kind = "general"
	KindWorkflow Kind = "workflow"
	KindReport   Kind = "report"
)

// ValidKind reports whether k names one of the prompt templates.
func ValidKind(k Kind) bool {
	_, ok := prompts[k]
	return ok
}

var prompts = map[Kind]string{
	KindGeneral:  "Please provide a concise summary of the following content, highlighting key points and important information:",
	KindWorkflow: "Analyze the following workflow execution data and provide a summary of what was processed, key results, and any issues encountered:",
	KindReport:   "Generate an executive summary report based on the following data, focusing on metrics, trends, and actionable insights:",
}

const (
	DefaultBaseURL         = "https://api.anthropic.com/v1/"
	DefaultModel           = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens       = 1024
	DefaultReportMaxTokens = 2048
)

var ErrGenerationFailed = errors.New("summary generation failed")

// Completer is the slice of the completion client the generator needs.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

type Result struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	Usage      Usage  `json:"usage"`
	StopReason string `json:"stop_reason"`
}

type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxTokens       int
	ReportMaxTokens int
	Timeout         time.Duration
	Logger          *slog.Logger
}

// Generator sends prefixed prompts to an OpenAI-compatible completion
// endpoint. Every call is a single round trip.
type Generator struct {
	client          Completer
	model           string
	maxTokens       int
	reportMaxTokens int
	timeout         time.Duration
	logger          *slog.Logger
}

func New(cfg Config) *Generator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	} else {
		clientCfg.BaseURL = DefaultBaseURL
	}
	clientCfg.HTTPClient = &http.Client{}
	return NewWithClient(openai.NewClientWithConfig(clientCfg), cfg)
}

// NewWithClient builds a generator around an existing completion client.
func NewWithClient(client Completer, cfg Config) *Generator {
	g := &Generator{
		client:          client,
		model:           cfg.Model,
		maxTokens:       cfg.MaxTokens,
		reportMaxTokens: cfg.ReportMaxTokens,
		timeout:         cfg.Timeout,
		logger:          cfg.Logger,
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokens
	}
	if g.reportMaxTokens <= 0 {
		g.reportMaxTokens = DefaultReportMaxTokens
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Summarize prefixes text with the template for kind and requests a
// completion. Unknown kinds use the general template. maxTokens <= 0 uses
// the configured default.
func (g *Generator) Summarize(ctx context.Context, text string, kind Kind, maxTokens int) (Result, error) {
	prompt, ok := prompts[kind]
	if !ok {
		prompt = prompts[KindGeneral]
	}
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt + "\n\n" + text},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: no choices in response", ErrGenerationFailed)
	}
	choice := resp.Choices[0]
	res := Result{
		Content: choice.Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		StopReason: string(choice.FinishReason),
	}
	g.logger.Info("summary generated",
		"kind", kind,
		"model", res.Model,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
		"duration", time.Since(start))
	return res, nil
}

type workflowDigest struct {
	Type     domain.WorkflowType   `json:"type"`
	Status   domain.WorkflowStatus `json:"status"`
	Duration *int64                `json:"duration"`
	HasError bool                  `json:"hasError"`
}

// WorkflowInsights summarizes a set of workflow records with the workflow
// template. Duration is reported in milliseconds, null while unfinished.
func (g *Generator) WorkflowInsights(ctx context.Context, workflows []domain.Workflow) (Result, error) {
	digest := make([]workflowDigest, 0, len(workflows))
	for _, w := range workflows {
		d := workflowDigest{
			Type:     w.Type,
			Status:   w.Status,
			HasError: w.Error != nil && *w.Error != "",
		}
		if dur, ok := w.Duration(); ok {
			ms := dur.Milliseconds()
			d.Duration = &ms
		}
		digest = append(digest, d)
	}
	b, err := json.MarshalIndent(digest, "", "  ")
	if err != nil {
		return Result{}, err
	}
	return g.Summarize(ctx, "Workflow Execution Summary:\n"+string(b), KindWorkflow, 0)
}

// ReportSummary summarizes arbitrary report data with the report template
// and the larger report output budget. Strings are sent as-is.
func (g *Generator) ReportSummary(ctx context.Context, data any) (Result, error) {
	content, ok := data.(string)
	if !ok {
		b, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return Result{}, fmt.Errorf("encode report data: %w", err)
		}
		content = string(b)
	}
	return g.Summarize(ctx, content, KindReport, g.reportMaxTokens)
}
