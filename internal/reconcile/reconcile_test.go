package reconcile_test

import (
	"strings"
	"testing"

	"github.com/CalmProton/auto-i18n/internal/reconcile"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manifest(providerName string) *models.BatchManifest {
	return &models.BatchManifest{
		ID:       uuid.MustParse("6f1c2b6e-8a55-4c1e-9d8e-2f4b5a7c9e01"),
		Provider: providerName,
		Files: []models.RequestRecord{
			{CustomID: "content_fr_a", Type: models.ContentTypeContent, Format: models.FormatMarkdown, SourceRelativePath: "docs/a.md", TargetLocale: "fr"},
			{CustomID: "global_fr_b", Type: models.ContentTypeGlobal, Format: models.FormatJSON, SourceRelativePath: "en.json", TargetLocale: "fr"},
			{CustomID: "content_de_a", Type: models.ContentTypeContent, Format: models.FormatMarkdown, SourceRelativePath: "docs/a.md", TargetLocale: "de"},
		},
	}
}

func lines(ls ...string) []byte {
	return []byte(strings.Join(ls, "\n") + "\n")
}

const (
	openAIOK        = `{"id":"r1","custom_id":"content_fr_a","response":{"status_code":200,"body":{"choices":[{"message":{"role":"assistant","content":"# Bonjour"},"finish_reason":"stop"}]}},"error":null}`
	openAIJSON      = `{"id":"r2","custom_id":"global_fr_b","response":{"status_code":200,"body":{"choices":[{"message":{"content":"` + "```json\\n{\\\"hello\\\":\\\"Bonjour\\\"}\\n```" + `"},"finish_reason":"stop"}]}},"error":null}`
	openAITruncated = `{"id":"r3","custom_id":"content_de_a","response":{"status_code":200,"body":{"choices":[{"message":{"content":"# Hallo"},"finish_reason":"length"}]}},"error":null}`
)

func TestReconcile_OpenAI(t *testing.T) {
	m := manifest("openai")
	out := reconcile.Reconcile(m, lines(openAITruncated, openAIOK, openAIJSON))

	assert.Equal(t, 3, out.Succeeded)
	assert.Zero(t, out.Failed)
	assert.Zero(t, out.Skipped)
	require.Len(t, out.Translations, 3)

	fr := out.Translations[0]
	assert.Equal(t, "content_fr_a", fr.CustomID, "translations follow manifest order")
	assert.Equal(t, models.TranslationSuccess, fr.Status)
	assert.Equal(t, "# Bonjour", fr.TranslatedContent)
	assert.Equal(t, "docs/a.md", fr.RelativePath)
	assert.Empty(t, fr.Warnings)

	js := out.Translations[1]
	assert.Equal(t, `{"hello":"Bonjour"}`, js.TranslatedContent)

	de := out.Translations[2]
	assert.Equal(t, models.TranslationSuccess, de.Status)
	assert.Contains(t, de.Warnings, "output truncated: max tokens reached")
}

func TestReconcile_OpenAIErrors(t *testing.T) {
	m := manifest("openai")
	stream := lines(
		`{"id":"r1","custom_id":"content_fr_a","response":null,"error":{"code":"batch_expired","message":"This request could not be executed before the completion window expired."}}`,
		`{"id":"r2","custom_id":"global_fr_b","response":{"status_code":400,"body":{"error":{"message":"Invalid model","code":"model_not_found"}}},"error":null}`,
		`{"id":"r3","custom_id":"content_de_a","response":{"status_code":500,"body":{}},"error":null}`,
	)
	out := reconcile.Reconcile(m, stream)

	assert.Zero(t, out.Succeeded)
	assert.Equal(t, 3, out.Failed)
	assert.Equal(t, "batch_expired: This request could not be executed before the completion window expired.", out.Translations[0].ErrorMessage)
	assert.Equal(t, "status 400: model_not_found: Invalid model", out.Translations[1].ErrorMessage)
	assert.Equal(t, "request failed with status 500", out.Translations[2].ErrorMessage)
	for _, tr := range out.Translations {
		assert.Equal(t, models.TranslationError, tr.Status)
		assert.Empty(t, tr.TranslatedContent)
	}
}

func TestReconcile_Anthropic(t *testing.T) {
	m := manifest("anthropic")
	stream := lines(
		`{"custom_id":"content_fr_a","result":{"type":"succeeded","message":{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"# Bon"},{"type":"text","text":"jour"}],"stop_reason":"end_turn"}}}`,
		`{"custom_id":"global_fr_b","result":{"type":"errored","error":{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}}}`,
		`{"custom_id":"content_de_a","result":{"type":"expired"}}`,
	)
	out := reconcile.Reconcile(m, stream)

	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 2, out.Failed)
	assert.Equal(t, "# Bonjour", out.Translations[0].TranslatedContent)
	assert.Equal(t, "invalid_request_error: max_tokens too large", out.Translations[1].ErrorMessage)
	assert.Equal(t, "request expired before processing", out.Translations[2].ErrorMessage)
}

func TestReconcile_AnthropicMaxTokens(t *testing.T) {
	m := manifest("anthropic")
	stream := lines(`{"custom_id":"content_fr_a","result":{"type":"succeeded","message":{"content":[{"type":"text","text":"# Bonj"}],"stop_reason":"max_tokens"}}}`)
	out := reconcile.Reconcile(m, stream)

	assert.Equal(t, models.TranslationSuccess, out.Translations[0].Status)
	assert.Contains(t, out.Translations[0].Warnings, "output truncated: max tokens reached")
}

func TestReconcile_SkipsUnusableLines(t *testing.T) {
	m := manifest("openai")
	stream := lines(
		`not json`,
		`{"id":"r0","response":{"status_code":200}}`,
		`{"id":"rx","custom_id":"content_it_zzz","response":{"status_code":200,"body":{"choices":[{"message":{"content":"Ciao"},"finish_reason":"stop"}]}}}`,
		openAIOK,
		`{"id":"r1b","custom_id":"content_fr_a","response":{"status_code":200,"body":{"choices":[{"message":{"content":"# Salut"},"finish_reason":"stop"}]}}}`,
		"",
		openAIJSON,
	)
	out := reconcile.Reconcile(m, stream)

	assert.Equal(t, 4, out.Skipped)
	assert.Equal(t, 2, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, "# Bonjour", out.Translations[0].TranslatedContent, "first result for a custom id wins")
	assert.Equal(t, models.TranslationError, out.Translations[2].Status)
	assert.Equal(t, "no result returned for request", out.Translations[2].ErrorMessage)
}

func TestReconcile_IsDeterministic(t *testing.T) {
	m := manifest("openai")
	stream := lines(openAIJSON, "garbage", openAIOK, openAITruncated)

	first := reconcile.Reconcile(m, stream)
	second := reconcile.Reconcile(m, stream)
	assert.Equal(t, first, second)
}

func TestReconcile_InvalidJSONOutput(t *testing.T) {
	m := manifest("openai")
	stream := lines(`{"custom_id":"global_fr_b","response":{"status_code":200,"body":{"choices":[{"message":{"content":"Voici: {hello: Bonjour}"},"finish_reason":"stop"}]}}}`)
	out := reconcile.Reconcile(m, stream)

	assert.Equal(t, models.TranslationError, out.Translations[1].Status)
	assert.Equal(t, "translation is not valid JSON", out.Translations[1].ErrorMessage)
}

func TestReconcile_LanguageWarning(t *testing.T) {
	m := manifest("openai")
	english := "The quick brown fox jumps over the lazy dog while the children are playing in the garden behind the house. " +
		"Our documentation explains how to install the command line tool, how to configure your project and how to " +
		"deploy the application to production without downtime. Read the following chapters carefully before you start."
	stream := lines(`{"custom_id":"content_fr_a","response":{"status_code":200,"body":{"choices":[{"message":{"content":"` + english + `"},"finish_reason":"stop"}]}}}`)
	out := reconcile.Reconcile(m, stream)

	require.Equal(t, models.TranslationSuccess, out.Translations[0].Status)
	require.Len(t, out.Translations[0].Warnings, 1)
	assert.Contains(t, out.Translations[0].Warnings[0], "differs from target fr")
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		format  models.FileFormat
		want    string
		wantErr bool
	}{
		{"plain markdown", "# Titre\n\nTexte.", models.FormatMarkdown, "# Titre\n\nTexte.", false},
		{"fenced markdown", "```markdown\n# Titre\n```", models.FormatMarkdown, "# Titre", false},
		{"inner code block kept", "# T\n\n```go\nx := 1\n```", models.FormatMarkdown, "# T\n\n```go\nx := 1\n```", false},
		{"foreign fence kept", "```go\nx := 1\n```", models.FormatMarkdown, "```go\nx := 1\n```", false},
		{"quoted string", `"# Titre\nTexte"`, models.FormatMarkdown, "# Titre\nTexte", false},
		{"html entities", "Caf&eacute; &amp; th&eacute;", models.FormatMarkdown, "Café & thé", false},
		{"json object", `{"a":"b"}`, models.FormatJSON, `{"a":"b"}`, false},
		{"fenced json", "```json\n{\"a\":\"b\"}\n```", models.FormatJSON, `{"a":"b"}`, false},
		{"quoted json", `"{\"a\":\"b\"}"`, models.FormatJSON, `{"a":"b"}`, false},
		{"json entities", `{"a":"&eacute;t&eacute;"}`, models.FormatJSON, `{"a":"été"}`, false},
		{"json entity that would break", `{"a":"say &quot;hi&quot;"}`, models.FormatJSON, `{"a":"say &quot;hi&quot;"}`, false},
		{"invalid json", `{a:b}`, models.FormatJSON, "", true},
		{"empty", "  ", models.FormatMarkdown, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reconcile.Decode(tt.raw, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
