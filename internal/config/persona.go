package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona describes the prospect the agent plays. The file is YAML
// frontmatter followed by a markdown body used as the system prompt:
//
//	---
//	name: Dana
//	role: CFO, mid-size logistics company
//	difficulty: hard
//	objections:
//	  - budget is frozen until Q3
//	---
//
//	You are Dana, a skeptical CFO...
type Persona struct {
	Name       string   `yaml:"name" json:"name"`
	Role       string   `yaml:"role" json:"role,omitempty"`
	Company    string   `yaml:"company" json:"company,omitempty"`
	Difficulty string   `yaml:"difficulty" json:"difficulty,omitempty"`
	Objections []string `yaml:"objections" json:"objections,omitempty"`
	FirstLine  string   `yaml:"first_line" json:"firstMessage,omitempty"`

	// Prompt is the markdown body.
	Prompt string `yaml:"-" json:"prompt"`
}

// DefaultPersona is used when no persona file is configured.
func DefaultPersona() *Persona {
	return &Persona{
		Name:       "Alex",
		Role:       "Head of Operations",
		Difficulty: "medium",
		Prompt: "You are Alex, a busy head of operations taking a cold sales call. " +
			"Be polite but guarded, raise realistic objections, and only agree to a " +
			"follow-up meeting if the caller earns it.",
	}
}

// LoadPersona reads a persona file from disk.
func LoadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}
	return ParsePersona(data)
}

// ParsePersona parses frontmatter and body.
func ParsePersona(data []byte) (*Persona, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var persona Persona
	if err := yaml.Unmarshal(frontmatter, &persona); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	persona.Prompt = strings.TrimSpace(string(body))

	if err := persona.Validate(); err != nil {
		return nil, err
	}
	return &persona, nil
}

func (p *Persona) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("persona name is required")
	}
	if p.Prompt == "" {
		return fmt.Errorf("persona %q: prompt (markdown body) is required", p.Name)
	}
	return nil
}

// PromptConfig is the opaque blob sent with the init message.
func (p *Persona) PromptConfig() (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode persona: %w", err)
	}
	return data, nil
}

// SystemPrompt is the instruction handed to a chat model playing the persona.
func (p *Persona) SystemPrompt() string {
	var b strings.Builder
	b.WriteString(p.Prompt)
	if p.Role != "" || p.Company != "" {
		b.WriteString("\n\nYou are ")
		b.WriteString(p.Name)
		if p.Role != "" {
			b.WriteString(", ")
			b.WriteString(p.Role)
		}
		if p.Company != "" {
			b.WriteString(" at ")
			b.WriteString(p.Company)
		}
		b.WriteString(".")
	}
	if len(p.Objections) > 0 {
		b.WriteString("\n\nObjections to raise when they fit the conversation:\n")
		for _, objection := range p.Objections {
			b.WriteString("- ")
			b.WriteString(objection)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n\nStay in character. Answer in one to three spoken sentences.")
	return b.String()
}

// splitFrontmatter separates the YAML header from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	data = bytes.TrimLeft(data, "\ufeff \t\r\n")
	delim := []byte("---")
	if !bytes.HasPrefix(data, delim) {
		return nil, nil, fmt.Errorf("persona file must start with --- frontmatter")
	}

	rest := data[len(delim):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, nil, fmt.Errorf("persona frontmatter is not closed")
	}

	frontmatter := rest[:end]
	body := rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return frontmatter, body, nil
}
