package services

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// plainTextPolicy strips every HTML element and attribute. User-authored
// free text is stored and served as plain text only.
var plainTextPolicy = bluemonday.StrictPolicy()

func sanitizePlainText(value string) string {
	return strings.TrimSpace(html.UnescapeString(plainTextPolicy.Sanitize(value)))
}
