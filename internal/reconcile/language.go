package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// minDetectRunes is the shortest text worth running language detection on.
const minDetectRunes = 60

// checkLanguage returns a warning when content is confidently written in a
// language other than the target locale.
func checkLanguage(content string, format models.FileFormat, target string) string {
	text := content
	if format == models.FormatJSON {
		text = jsonText(content)
	}
	if utf8.RuneCountInString(text) < minDetectRunes {
		return ""
	}

	tag, err := language.Parse(target)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()

	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	detected := info.Lang.Iso6391()
	if detected == "" || detected == base.String() {
		return ""
	}
	return fmt.Sprintf("detected language %s (%s) differs from target %s", info.Lang.String(), detected, target)
}

// jsonText joins the string values of a JSON document in key order.
func jsonText(doc string) string {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return ""
	}
	var parts []string
	var walk func(any)
	walk = func(v any) {
		switch x := v.(type) {
		case string:
			parts = append(parts, x)
		case []any:
			for _, e := range x {
				walk(e)
			}
		case map[string]any:
			keys := make([]string, 0, len(x))
			for k := range x {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(x[k])
			}
		}
	}
	walk(v)
	return strings.Join(parts, " ")
}
