package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/itsneelabh/metarouter/core"
)

const (
	// DefaultBaseURL is the default Gemini API endpoint
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	defaultModel = "gemini-1.5-flash"
)

func init() {
	Register(&geminiFactory{})
}

type geminiFactory struct{}

func (f *geminiFactory) Name() string { return "gemini" }

func (f *geminiFactory) Create(cfg core.LLMConfig, logger core.Logger, tel core.Telemetry) Classifier {
	return NewGeminiClassifier(cfg.APIKey, cfg.Model, logger, tel)
}

// GeminiClassifier calls Gemini's native GenerateContent API with a
// deterministic prompt and strict-JSON response contract. Generation is
// pinned for reproducibility: temperature 0.2, topK 1, topP 1, output
// capped at 1024 tokens.
type GeminiClassifier struct {
	apiKey  string
	model   string
	baseURL string

	client     *http.Client
	maxRetries int
	retryDelay time.Duration

	logger    core.Logger
	telemetry core.Telemetry
}

// NewGeminiClassifier creates a Gemini-backed classifier.
func NewGeminiClassifier(apiKey, model string, logger core.Logger, tel core.Telemetry) *GeminiClassifier {
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}
	return &GeminiClassifier{
		apiKey:     apiKey,
		model:      model,
		baseURL:    DefaultBaseURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 2,
		retryDelay: time.Second,
		logger:     logger,
		telemetry:  tel,
	}
}

// SetBaseURL overrides the API endpoint (used by tests).
func (c *GeminiClassifier) SetBaseURL(u string) { c.baseURL = u }

// ModelID identifies the provider and model, e.g. "gemini:gemini-1.5-flash".
func (c *GeminiClassifier) ModelID() string {
	return "gemini:" + c.model
}

// geminiRequest mirrors the native GenerateContent wire format.
type geminiRequest struct {
	Contents         []geminiContent   `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float32 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float32 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// scorePayload is the strict JSON contract the prompt demands.
type scorePayload struct {
	Services []struct {
		Name   string  `json:"name"`
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	} `json:"services"`
}

// Classify sends the text to Gemini and parses per-service scores.
// Entries naming unknown services are dropped; scores are clamped to
// [0,1] (NaN and infinities become 0) and rounded to 4 decimals.
func (c *GeminiClassifier) Classify(ctx context.Context, text string, services []string) (ServiceScores, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "classify.gemini")
	defer span.End()
	span.SetAttribute("ai.provider", "gemini")
	span.SetAttribute("ai.model", c.model)
	span.SetAttribute("ai.prompt_length", len(text))

	if c.apiKey == "" {
		err := fmt.Errorf("gemini API key not configured: %w", core.ErrMissingConfiguration)
		span.RecordError(err)
		return nil, err
	}

	prompt := buildPrompt(text, services)
	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: &generationConfig{
			Temperature:     0.2,
			TopK:            1,
			TopP:            1,
			MaxOutputTokens: 1024,
		},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	body, err := c.execute(ctx, url, jsonData)
	if err != nil {
		c.logger.Warn("Gemini classification failed", map[string]interface{}{
			"operation": "llm_classify",
			"provider":  "gemini",
			"error":     err.Error(),
		})
		span.RecordError(err)
		return nil, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse response: %w", core.ErrUpstream)
	}
	if len(resp.Candidates) == 0 {
		err := fmt.Errorf("no candidates in Gemini response: %w", core.ErrUpstream)
		span.RecordError(err)
		return nil, err
	}

	var content strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	scores, err := parseScores(content.String(), services)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttribute("classify.services_scored", len(scores))
	return scores, nil
}

// execute performs the HTTP call with at most maxRetries retries on
// transport failures and retryable status codes.
func (c *GeminiClassifier) execute(ctx context.Context, url string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryDelay * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("gemini transport: %v: %w", err, core.ErrUpstream)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("gemini read: %v: %w", readErr, core.ErrUpstream)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return body, nil
		}
		lastErr = fmt.Errorf("gemini status %d: %w", resp.StatusCode, core.ErrUpstream)
		// Client errors other than rate limiting are not retryable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// buildPrompt produces a deterministic instruction for strict-JSON scoring.
func buildPrompt(text string, services []string) string {
	var b strings.Builder
	b.WriteString("You route user requests to backend services.\n")
	b.WriteString("Known services, in priority order:\n")
	for _, s := range services {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString("\nScore how well each relevant service handles this request.\n")
	b.WriteString("Respond with strict JSON only, no prose, matching exactly:\n")
	b.WriteString(`{"services":[{"name":"<known-service>","score":0.0,"reason":"<short>"}]}`)
	b.WriteString("\n\nRequest: ")
	b.WriteString(text)
	return b.String()
}

// parseScores accepts either a full-body JSON object or the first {...}
// block embedded in surrounding prose.
func parseScores(content string, services []string) (ServiceScores, error) {
	known := make(map[string]bool, len(services))
	for _, s := range services {
		known[s] = true
	}

	var payload scorePayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		block := extractJSONBlock(content)
		if block == "" {
			return nil, fmt.Errorf("no JSON object in LLM response: %w", core.ErrUpstream)
		}
		if err := json.Unmarshal([]byte(block), &payload); err != nil {
			return nil, fmt.Errorf("malformed JSON in LLM response: %w", core.ErrUpstream)
		}
	}

	scores := make(ServiceScores)
	for _, entry := range payload.Services {
		if !known[entry.Name] {
			continue
		}
		score := entry.Score
		if math.IsNaN(score) || math.IsInf(score, 0) {
			score = 0
		}
		scores[entry.Name] = round4(clampScore(score))
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("LLM scored no known services: %w", core.ErrUpstream)
	}
	return scores, nil
}

// extractJSONBlock returns the first balanced {...} block in s, or "".
func extractJSONBlock(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
