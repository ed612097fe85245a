// Package openai implements the AI package recommender over the OpenAI chat
// completions API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/clients"
	"github.com/drfirst/go-ndc/internal/recommender"
)

// DefaultBaseURL is the public OpenAI endpoint
const DefaultBaseURL = "https://api.openai.com/v1"

const service = "openai"

const systemPrompt = `You are a pharmacy dispensing assistant. Given a required dispense quantity and a list of
active NDC packages, choose the package combination that covers the quantity with the least waste,
preferring fewer packages. Answer only with JSON of the form
{"selections":[{"code":"NNNNN-NNNN-NN","count":1}],"reasoning":"...","warnings":["..."]}.
Only use codes from the candidate list.`

// Config holds OpenAI configuration
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Enabled bool
	Timeout time.Duration
	// InputCostPer1K and OutputCostPer1K are dollars per thousand tokens
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// DefaultConfig returns defaults for a small chat model
func DefaultConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		Model:           "gpt-4o-mini",
		Enabled:         true,
		Timeout:         30 * time.Second,
		InputCostPer1K:  0.00015,
		OutputCostPer1K: 0.0006,
	}
}

// Client is a recommender.AIRecommender
type Client struct {
	http   *clients.Client
	cfg    Config
	logger *zap.Logger
}

var _ recommender.AIRecommender = (*Client)(nil)

// New creates an OpenAI client
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	httpCfg := clients.DefaultConfig(cfg.BaseURL)
	httpCfg.Timeout = cfg.Timeout
	c, err := clients.New(service, httpCfg, logger)
	if err != nil {
		return nil, err
	}
	return &Client{http: c, cfg: cfg, logger: logger}, nil
}

// Enabled reports whether an API key is configured and the feature is on
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && c.cfg.APIKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type promptCandidate struct {
	Code string  `json:"code"`
	Size float64 `json:"size"`
	Unit string  `json:"unit"`
}

type promptInput struct {
	Drug             string            `json:"drug"`
	Strength         string            `json:"strength,omitempty"`
	DosageForm       string            `json:"dosageForm,omitempty"`
	RequiredQuantity float64           `json:"requiredQuantity"`
	Unit             string            `json:"unit"`
	DaysSupply       int               `json:"daysSupply"`
	Candidates       []promptCandidate `json:"candidates"`
}

// Recommend asks the model for a package selection. The answer is returned
// as parsed; validation against the candidates belongs to the caller.
func (c *Client) Recommend(ctx context.Context, req *recommender.Request) (*recommender.AIRecommendation, error) {
	input := promptInput{
		Drug:             req.DrugName,
		Strength:         req.Strength,
		DosageForm:       req.DosageForm,
		RequiredQuantity: req.RequiredQuantity,
		Unit:             req.Unit,
		DaysSupply:       req.DaysSupply,
	}
	for _, p := range req.Candidates {
		if p.IsActive {
			input.Candidates = append(input.Candidates, promptCandidate{Code: p.Code, Size: p.SizeQuantity, Unit: p.SizeUnit})
		}
	}
	user, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}

	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(user)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	header := http.Header{"Authorization": {"Bearer " + c.cfg.APIKey}}

	var resp chatResponse
	if err := c.http.PostJSON(ctx, "chat/completions", header, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", recommender.ErrInvalidResponse)
	}

	var answer recommender.AIRecommendation
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return nil, fmt.Errorf("%w: %v", recommender.ErrInvalidResponse, err)
	}

	model := resp.Model
	if model == "" {
		model = c.cfg.Model
	}
	answer.Usage = recommender.Usage{
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          c.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}

	c.logger.Debug("ai recommendation received",
		zap.String("model", model),
		zap.Int("selections", len(answer.Selections)),
		zap.Int("tokens", answer.Usage.TotalTokens))

	return &answer, nil
}

// Cost estimates the dollar cost of a call
func (c *Client) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*c.cfg.InputCostPer1K +
		float64(completionTokens)/1000*c.cfg.OutputCostPer1K
}
