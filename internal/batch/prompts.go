package batch

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/CalmProton/auto-i18n/pkg/models"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompts holds one system prompt template per file format.
type Prompts struct {
	templates map[models.FileFormat]string
}

// DefaultPrompts returns the embedded prompt templates.
func DefaultPrompts() *Prompts {
	p, err := ParsePrompts(defaultPrompts)
	if err != nil {
		panic(fmt.Sprintf("embedded prompts: %v", err))
	}
	return p
}

// LoadPrompts reads templates from path. Formats missing from the file keep
// their embedded default. An empty path or a missing file yields the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}
	override, err := ParsePrompts(data)
	if err != nil {
		return nil, err
	}
	for f, tmpl := range override.templates {
		p.templates[f] = tmpl
	}
	return p, nil
}

// ParsePrompts decodes a YAML document mapping format names to templates.
func ParsePrompts(data []byte) (*Prompts, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing prompts: %w", err)
	}
	p := &Prompts{templates: make(map[models.FileFormat]string)}
	for k, v := range raw {
		f := models.FileFormat(k)
		if f != models.FormatMarkdown && f != models.FormatJSON {
			return nil, fmt.Errorf("parsing prompts: unknown format %q", k)
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		p.templates[f] = v
	}
	return p, nil
}

// System renders the system prompt for format between two locales.
func (p *Prompts) System(format models.FileFormat, source, target string) string {
	r := strings.NewReplacer(
		"{source_locale}", source,
		"{target_locale}", target,
		"{source_language}", languageName(source),
		"{target_language}", languageName(target),
	)
	return strings.TrimSpace(r.Replace(p.templates[format]))
}

func languageName(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return locale
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return locale
}
