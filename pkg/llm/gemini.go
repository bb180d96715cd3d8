package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient talks to the Generative Language REST API (generateContent).
type GeminiClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultGeminiBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *GeminiClient) WithBaseURL(u string) *GeminiClient {
	c.baseURL = u
	return c
}

// Close drops pooled connections.
func (c *GeminiClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

type geminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             float64  `json:"topP,omitempty"`
	Seed             int64    `json:"seed,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	ModelVersion string `json:"modelVersion"`
	Candidates   []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Gemini calls the assistant role "model".
func geminiRole(role string) string {
	if role == RoleAssistant {
		return "model"
	}
	return RoleUser
}

func toGeminiContents(msgs []Message) []geminiContent {
	out := make([]geminiContent, 0, len(msgs))
	for _, m := range msgs {
		gc := geminiContent{Role: geminiRole(m.Role)}
		for _, p := range m.Parts {
			if p.IsInline() {
				gc.Parts = append(gc.Parts, geminiPart{InlineData: &geminiInlineData{
					MIMEType: p.MIMEType,
					Data:     base64.StdEncoding.EncodeToString(p.Data),
				}})
				continue
			}
			gc.Parts = append(gc.Parts, geminiPart{Text: p.Text})
		}
		out = append(out, gc)
	}
	return out
}

func (c *GeminiClient) Chat(ctx context.Context, msgs []Message, options *SamplingOptions) (*Response, error) {
	reqBody := geminiRequest{Contents: toGeminiContents(msgs)}
	if options != nil {
		reqBody.GenerationConfig = &geminiGenerationConfig{
			Temperature: options.Temperature,
			TopP:        options.TopP,
			Seed:        options.Seed,
		}
		if options.JSON {
			reqBody.GenerationConfig.ResponseMIMEType = "application/json"
		}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var gResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("gemini error: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if gResp.Error != nil {
			return nil, fmt.Errorf("gemini error: %d: %s", resp.StatusCode, gResp.Error.Message)
		}
		return nil, fmt.Errorf("gemini error: %d", resp.StatusCode)
	}
	if len(gResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}

	var sb strings.Builder
	for _, p := range gResp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return &Response{Content: sb.String(), Model: gResp.ModelVersion}, nil
}
