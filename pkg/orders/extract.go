package orders

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xayed7x/smartorderAI/pkg/vision"
)

const extractionPrompt = `You are a data extraction expert. Parse the following text to extract the customer's name, address, and phone number.
Return ONLY a valid JSON object with the keys "name", "address", and "phone". If a field is missing, set its value to null.
Text to parse: %q`

const detailsSchemaURL = "https://smartorder.schemas.local/orders/customer-details.schema.json"

const detailsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "address", "phone"],
  "properties": {
    "name":    {"type": ["string", "null"]},
    "address": {"type": ["string", "null"]},
    "phone":   {"type": ["string", "null"]}
  }
}`

func compileDetailsSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(detailsSchemaURL, strings.NewReader(detailsSchema)); err != nil {
		return nil, fmt.Errorf("details schema load failed: %w", err)
	}
	compiled, err := c.Compile(detailsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("details schema compile failed: %w", err)
	}
	return compiled, nil
}

// parseDetails decodes the model's answer and validates its shape.
func parseDetails(schema *jsonschema.Schema, content string) (Details, error) {
	var doc any
	if err := json.Unmarshal([]byte(vision.StripFences(content)), &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	obj := doc.(map[string]any)
	return Details(obj), nil
}
