package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"medx-coding-support/models"

	openai "github.com/sashabaranov/go-openai"
)

// Shared circuit breaker for the LLM collaborator
var llmCB = NewCircuitBreaker("llm", 5, 60*time.Second)

const codingSystemPrompt = `You are an expert medical coder. You review clinical documentation and produce accurate ICD-10-CM diagnosis codes, CPT procedure codes and modifiers with supporting evidence.

Rules:
- Only code what the documentation supports. Cite the line numbers you relied on.
- Distinguish primary from secondary diagnoses.
- Respond with a single JSON object and nothing else, using this shape:
{
  "diagnosis_codes": {
    "primary_diagnosis": [{"icd_10_code": "...", "description": "...", "evidence_lines": [1]}],
    "secondary_diagnoses": [{"icd_10_code": "...", "description": "...", "evidence_lines": [1]}]
  },
  "procedure_codes": [{"cpt_code": "...", "description": "...", "evidence_lines": [1]}],
  "modifiers": [{"modifier": "...", "applies_to": "...", "reason": "..."}],
  "coding_notes": "..."
}`

const maxCodingOutputTokens = 12000

// CodingClient wraps the OpenAI-compatible client for medical coding synthesis
type CodingClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// ExtractedDocument is one successful extraction handed to the coder.
type ExtractedDocument struct {
	DocumentID uint
	FileName   string
	Text       string
}

// NewCodingClient creates the OpenAI-compatible client for OpenRouter
func NewCodingClient() (*CodingClient, error) {
	apiKey := os.Getenv("OPENROUTER_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY not set in environment")
	}

	model := os.Getenv("OPENROUTER_MODEL")
	if model == "" {
		model = "openai/gpt-4o-mini" // default model
	}

	timeoutMs := 120000 // default 120 seconds
	if t := os.Getenv("AI_TIMEOUT_MS"); t != "" {
		if parsed, err := strconv.Atoi(t); err == nil {
			timeoutMs = parsed
		}
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = "https://openrouter.ai/api/v1"

	// Add custom headers for OpenRouter
	referer := os.Getenv("OPENROUTER_HTTP_REFERER")
	if referer == "" {
		referer = "https://medx.app"
	}

	title := os.Getenv("OPENROUTER_X_TITLE")
	if title == "" {
		title = "MedX Coding"
	}

	cfg.HTTPClient = &http.Client{
		Transport: &openRouterTransport{
			base:    http.DefaultTransport,
			referer: referer,
			title:   title,
		},
	}

	client := openai.NewClientWithConfig(cfg)

	log.Printf("[CodingClient] Initialized with model=%s, timeout=%dms", model, timeoutMs)

	return &CodingClient{
		client:  client,
		model:   model,
		timeout: time.Duration(timeoutMs) * time.Millisecond,
	}, nil
}

// openRouterTransport adds custom headers
type openRouterTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *openRouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("HTTP-Referer", t.referer)
	req.Header.Set("X-Title", t.title)
	return t.base.RoundTrip(req)
}

// GenerateCodes sends the line-numbered document text plus chart metadata to
// the model and returns the parsed coding payload.
func (c *CodingClient) GenerateCodes(ctx context.Context, chartInfo models.ChartInfo, documents []ExtractedDocument) (map[string]interface{}, error) {
	if len(documents) == 0 {
		return nil, fmt.Errorf("no extracted documents to code")
	}

	userPrompt := buildCodingPrompt(chartInfo, documents)

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: codingSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.1,
		MaxTokens:   maxCodingOutputTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var resp openai.ChatCompletionResponse
	err := llmCB.Call(func() error {
		var apiErr error
		resp, apiErr = c.client.CreateChatCompletion(timeoutCtx, req)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("coding API error: %w", err)
	}

	latency := time.Since(startTime).Milliseconds()

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from LLM")
	}

	payload, err := parseCodingJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	log.Printf("[CodingClient] Success | model=%s | latency=%dms | in=%d | out=%d",
		c.model, latency, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return payload, nil
}

// SummarizeDocument produces the short per-document summary shown in review.
func (c *CodingClient) SummarizeDocument(ctx context.Context, fileName, text string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You summarize clinical documents for medical coders. Reply with 2-3 plain sentences covering the visit type, key findings and any procedures."},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Document: %s\n\n%s", fileName, truncate(text, 20000))},
		},
		Temperature: 0.1,
		MaxTokens:   300,
	}

	var resp openai.ChatCompletionResponse
	err := llmCB.Call(func() error {
		var apiErr error
		resp, apiErr = c.client.CreateChatCompletion(timeoutCtx, req)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("summary API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from LLM")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// GetModelName returns the model name being used
func (c *CodingClient) GetModelName() string {
	return c.model
}

// buildCodingPrompt formats each document as a line-numbered sequence so the
// model can cite evidence lines, followed by the chart metadata.
func buildCodingPrompt(chartInfo models.ChartInfo, documents []ExtractedDocument) string {
	var sb strings.Builder

	for i, doc := range documents {
		fmt.Fprintf(&sb, "=== Document %d: %s ===\n", i+1, doc.FileName)
		for n, line := range strings.Split(doc.Text, "\n") {
			fmt.Fprintf(&sb, "%d: %s\n", n+1, line)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("=== Chart Metadata ===\n")
	fmt.Fprintf(&sb, "Chart Number: %s\n", chartInfo.ChartNumber)
	fmt.Fprintf(&sb, "Patient: %s\n", chartInfo.PatientName)
	fmt.Fprintf(&sb, "Facility: %s\n", chartInfo.FacilityName)
	fmt.Fprintf(&sb, "Specialty: %s\n", chartInfo.Specialty)
	fmt.Fprintf(&sb, "Provider: %s\n", chartInfo.ProviderName)
	fmt.Fprintf(&sb, "Date of Service: %s\n", chartInfo.ServiceDate)

	return sb.String()
}

// parseCodingJSON parses the model output. Models occasionally wrap the JSON
// in prose or fences even with structured output requested, so the last
// resort is extracting the first balanced {...} substring.
func parseCodingJSON(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty response from LLM")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err == nil {
		return payload, nil
	}

	candidate := extractJSONObject(raw)
	if candidate == "" {
		return nil, fmt.Errorf("LLM response is not valid JSON: %s", truncate(raw, 200))
	}
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return nil, fmt.Errorf("LLM response is not valid JSON: %s", truncate(raw, 200))
	}
	return payload, nil
}

// extractJSONObject returns the first balanced top-level {...} substring,
// ignoring braces inside string literals.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
