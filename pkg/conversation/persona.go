package conversation

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed persona.yaml
var defaultPersonaYAML []byte

// Persona is the assistant's voice: the system instruction, the seeded
// assistant preamble and the texts shown outside the model.
type Persona struct {
	Name        string `yaml:"name" json:"name"`
	Greeting    string `yaml:"greeting" json:"greeting"`
	Instruction string `yaml:"instruction" json:"instruction"`
	Preamble    string `yaml:"preamble" json:"preamble"`
	NoProduct   string `yaml:"no_product" json:"no_product"`
}

// DefaultPersona returns the compiled-in ShopMate persona.
func DefaultPersona() *Persona {
	p, err := parsePersona(defaultPersonaYAML)
	if err != nil {
		panic(fmt.Sprintf("conversation: embedded persona: %v", err))
	}
	return p
}

// LoadPersona reads a persona YAML file. Fields left empty keep the default.
func LoadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load persona %q: %w", path, err)
	}
	p, err := parsePersona(data)
	if err != nil {
		return nil, fmt.Errorf("parse persona %q: %w", path, err)
	}

	def := DefaultPersona()
	if p.Name == "" {
		p.Name = def.Name
	}
	if p.Greeting == "" {
		p.Greeting = def.Greeting
	}
	if p.Instruction == "" {
		p.Instruction = def.Instruction
	}
	if p.Preamble == "" {
		p.Preamble = def.Preamble
	}
	if p.NoProduct == "" {
		p.NoProduct = def.NoProduct
	}
	return p, nil
}

func parsePersona(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	p.Instruction = strings.TrimSpace(p.Instruction)
	return &p, nil
}
