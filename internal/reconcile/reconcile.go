// Package reconcile maps the raw result stream of a provider batch back to
// the manifest that produced it. Reconcile is pure: the same manifest and
// stream always produce the same Outcome.
package reconcile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/CalmProton/auto-i18n/pkg/models"
)

const (
	warnTruncated = "output truncated: max tokens reached"
	errNoResult   = "no result returned for request"
)

// Outcome holds one ProcessedTranslation per manifest record, in manifest
// order. Skipped counts stream lines that could not be used.
type Outcome struct {
	Translations []models.ProcessedTranslation
	Succeeded    int
	Failed       int
	Skipped      int
}

// Successes returns the successful translations.
func (o Outcome) Successes() []models.ProcessedTranslation {
	var out []models.ProcessedTranslation
	for _, t := range o.Translations {
		if t.Status == models.TranslationSuccess {
			out = append(out, t)
		}
	}
	return out
}

// result is one stream line reduced to what classification needs.
type result struct {
	customID  string
	content   string
	errMsg    string
	truncated bool
}

type lineDecoder func(line []byte) (result, error)

func decoderFor(providerName string) lineDecoder {
	if providerName == "anthropic" {
		return decodeAnthropic
	}
	return decodeOpenAI
}

// Reconcile decodes stream with the result shape of m.Provider. Malformed
// lines, unknown custom ids and repeated custom ids are logged and skipped.
// Records without a usable line are reported as failed.
func Reconcile(m *models.BatchManifest, stream []byte) Outcome {
	log := slog.With("batch_id", m.ID, "provider", m.Provider)
	decode := decoderFor(m.Provider)

	index := make(map[string]int, len(m.Files))
	for i, rec := range m.Files {
		index[rec.CustomID] = i
	}
	resolved := make([]*models.ProcessedTranslation, len(m.Files))

	var out Outcome
	sc := bufio.NewScanner(bytes.NewReader(stream))
	sc.Buffer(make([]byte, 64*1024), 64<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		r, err := decode(line)
		if err != nil {
			log.Warn("skipping malformed result line", "line", lineNo, "error", err)
			out.Skipped++
			continue
		}
		i, ok := index[r.customID]
		if !ok {
			log.Warn("skipping result for unknown custom id", "line", lineNo, "custom_id", r.customID)
			out.Skipped++
			continue
		}
		if resolved[i] != nil {
			log.Warn("skipping duplicate result", "line", lineNo, "custom_id", r.customID)
			out.Skipped++
			continue
		}

		t := classify(m.Files[i], r)
		resolved[i] = &t
	}
	if err := sc.Err(); err != nil {
		log.Error("result stream truncated", "line", lineNo, "error", err)
	}

	out.Translations = make([]models.ProcessedTranslation, len(m.Files))
	for i, rec := range m.Files {
		if resolved[i] == nil {
			out.Translations[i] = failure(rec, errNoResult)
		} else {
			out.Translations[i] = *resolved[i]
		}
		if out.Translations[i].Status == models.TranslationSuccess {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out
}

func classify(rec models.RequestRecord, r result) models.ProcessedTranslation {
	if r.errMsg != "" {
		return failure(rec, r.errMsg)
	}

	content, err := Decode(r.content, rec.Format)
	if err != nil {
		return failure(rec, err.Error())
	}

	t := translation(rec)
	t.Status = models.TranslationSuccess
	t.TranslatedContent = content
	if r.truncated {
		t.Warnings = append(t.Warnings, warnTruncated)
	}
	if w := checkLanguage(content, rec.Format, rec.TargetLocale); w != "" {
		t.Warnings = append(t.Warnings, w)
	}
	return t
}

func translation(rec models.RequestRecord) models.ProcessedTranslation {
	return models.ProcessedTranslation{
		CustomID:     rec.CustomID,
		TargetLocale: rec.TargetLocale,
		Type:         rec.Type,
		Format:       rec.Format,
		RelativePath: rec.SourceRelativePath,
	}
}

func failure(rec models.RequestRecord, msg string) models.ProcessedTranslation {
	t := translation(rec)
	t.Status = models.TranslationError
	t.ErrorMessage = msg
	return t
}

// Decode turns raw model output into file content: wrapping code fences are
// stripped, a JSON string literal is unquoted and HTML entities are unescaped.
// JSON output must be a valid JSON document.
func Decode(raw string, format models.FileFormat) (string, error) {
	s := stripFences(strings.TrimSpace(raw))
	s = unquote(s)
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("empty translation")
	}

	if format != models.FormatJSON {
		return html.UnescapeString(s), nil
	}

	s = strings.TrimSpace(s)
	if u := html.UnescapeString(s); u != s && json.Valid([]byte(u)) {
		s = u
	}
	if !json.Valid([]byte(s)) {
		return "", fmt.Errorf("translation is not valid JSON")
	}
	return s, nil
}

var fenceLangs = map[string]bool{"": true, "markdown": true, "md": true, "mdx": true, "json": true}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") {
		return s
	}
	first := strings.IndexByte(s, '\n')
	if first < 0 {
		return s
	}
	lang := strings.ToLower(strings.TrimSpace(s[3:first]))
	if !fenceLangs[lang] {
		return s
	}
	body := strings.TrimSuffix(s[first+1:], "```")
	return strings.TrimSpace(body)
}

func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	var out string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return s
	}
	return out
}
