package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/CalmProton/auto-i18n/pkg/models"
)

// maxCustomIDLen is the strictest custom id limit among the providers.
const maxCustomIDLen = 64

// CustomID derives the request id for one file and target locale. The same
// inputs always yield the same id, so re-creating a batch reproduces its
// manifest exactly.
func CustomID(senderID, locale string, t models.ContentType, relPath string) string {
	sum := sha256.Sum256([]byte(senderID + "|" + locale + "|" + string(t) + "|" + relPath))
	hash := hex.EncodeToString(sum[:])[:40]

	id := sanitize(string(t)) + "_" + sanitize(locale) + "_" + hash
	if len(id) > maxCustomIDLen {
		id = id[len(id)-maxCustomIDLen:]
	}
	return id
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}
