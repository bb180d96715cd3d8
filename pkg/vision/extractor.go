// Package vision turns product photos into catalog search terms using a
// multimodal language model.
package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/llm"
)

// ErrMalformedOutput is returned when the model's answer cannot be parsed in
// the shape the instruction asked for.
var ErrMalformedOutput = errors.New("vision: malformed model output")

const (
	keywordInstruction = `Look at this product photo. Reply with 5 to 7 lowercase keywords that describe the product type, color, material and style, separated by commas. Reply with the keywords only.`

	categoryInstruction = `Look at this product photo and classify it into a single product category label, for example "shirt", "saree", "shoes" or "mug". Reply ONLY with a JSON object of the form {"category": "<label>"}.`

	describeInstruction = `Describe the product in this photo in one or two sentences: its type, color, material, pattern and any visible branding. Plain text only.`

	disambiguateInstruction = `The customer uploaded the photo above. Which of the following catalog products is it? Reply with the product code only, nothing else.`
)

// Extractor issues single, unretried vision calls.
type Extractor struct {
	client llm.Client
}

func NewExtractor(client llm.Client) *Extractor {
	return &Extractor{client: client}
}

// Keywords asks for a comma-separated keyword list. An empty slice means the
// model could not identify anything.
func (e *Extractor) Keywords(ctx context.Context, image []byte, mimeType string) ([]string, error) {
	resp, err := e.client.Chat(ctx, []llm.Message{llm.Image(keywordInstruction, image, mimeType)}, &llm.SamplingOptions{Temperature: llm.Float(0)})
	if err != nil {
		return nil, fmt.Errorf("vision: keywords: %w", err)
	}
	return ParseKeywords(resp.Content), nil
}

// ParseKeywords splits a comma or newline separated answer into normalized
// keywords.
func ParseKeywords(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	})
	for i, f := range fields {
		fields[i] = strings.Trim(f, " \t\r.\"'`-*")
	}
	return catalog.NormalizeAll(fields)
}

// Category asks for a single category label as JSON.
func (e *Extractor) Category(ctx context.Context, image []byte, mimeType string) (string, error) {
	resp, err := e.client.Chat(ctx, []llm.Message{llm.Image(categoryInstruction, image, mimeType)}, &llm.SamplingOptions{JSON: true})
	if err != nil {
		return "", fmt.Errorf("vision: category: %w", err)
	}

	var out struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(StripFences(resp.Content)), &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return catalog.Normalize(out.Category), nil
}

// Describe produces a short free-text description, used as embedding input.
func (e *Extractor) Describe(ctx context.Context, image []byte, mimeType string) (string, error) {
	resp, err := e.client.Chat(ctx, []llm.Message{llm.Image(describeInstruction, image, mimeType)}, nil)
	if err != nil {
		return "", fmt.Errorf("vision: describe: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Disambiguate shows the model the photo and the candidates and returns the
// code it picked, trimmed. The code is not checked against the candidates.
func (e *Extractor) Disambiguate(ctx context.Context, image []byte, mimeType string, candidates catalog.CandidateSet) (string, error) {
	msg := llm.Image(disambiguateInstruction+"\n\n"+RenderCandidates(candidates), image, mimeType)
	resp, err := e.client.Chat(ctx, []llm.Message{msg}, &llm.SamplingOptions{Temperature: llm.Float(0)})
	if err != nil {
		return "", fmt.Errorf("vision: disambiguate: %w", err)
	}
	return strings.Trim(strings.TrimSpace(resp.Content), "\"'`"), nil
}

// RenderCandidates lists one candidate per line as "code: name (tags)".
func RenderCandidates(candidates catalog.CandidateSet) string {
	var sb strings.Builder
	for _, p := range candidates {
		fmt.Fprintf(&sb, "- %s: %s (%s)\n", p.Code, p.Name, strings.Join(p.Tags, ", "))
	}
	return sb.String()
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
