package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadSkill parses a Markdown file with YAML frontmatter: a leading "---",
// YAML fields, a closing "---", then the markdown body used as the skill's
// prompt fragment.
func LoadSkill(reader io.Reader) (*Skill, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read skill file: %w", err)
		}
		return nil, fmt.Errorf("skill file is empty")
	}
	if strings.TrimSpace(scanner.Text()) != "---" {
		return nil, fmt.Errorf("skill file must start with YAML frontmatter (---)")
	}

	var frontmatter bytes.Buffer
	foundEnd := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			foundEnd = true
			break
		}
		frontmatter.WriteString(line + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read frontmatter: %w", err)
	}
	if !foundEnd {
		return nil, fmt.Errorf("unterminated YAML frontmatter (missing closing ---)")
	}

	// Enabled defaults true; explicit "enabled: false" overrides.
	skill := Skill{Enabled: true}
	if err := yaml.Unmarshal(frontmatter.Bytes(), &skill); err != nil {
		return nil, fmt.Errorf("parse YAML frontmatter: %w", err)
	}

	var body bytes.Buffer
	for scanner.Scan() {
		body.WriteString(scanner.Text() + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read skill body: %w", err)
	}
	skill.Prompt = strings.TrimSpace(body.String())

	if err := validateSkill(&skill); err != nil {
		return nil, err
	}
	return &skill, nil
}

func validateSkill(skill *Skill) error {
	if skill.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range skill.Name {
		if !isValidNameChar(r) {
			return fmt.Errorf("skill name contains invalid character: %q (allowed: a-z, 0-9, -, _)", r)
		}
	}
	if skill.Prompt == "" {
		return fmt.Errorf("skill %q has an empty body", skill.Name)
	}
	for _, dep := range append(append([]string{}, skill.Requires...), skill.Suggests...) {
		if dep == skill.Name {
			return fmt.Errorf("skill %q depends on itself", skill.Name)
		}
	}
	return nil
}

func isValidNameChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '-' || r == '_'
}
