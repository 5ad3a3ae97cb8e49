// Package template renders message subjects and bodies by substituting
// recipient fields into fixed placeholders.
//
// Substitution is a literal, single-pass string replacement: it is
// non-recursive, the two placeholders never overlap, and values are not
// HTML-escaped. The lack of escaping is a documented property of the
// renderer, not an oversight: recipient fields come from the operator's
// own contact list and the plain-text variant must stay byte-identical
// to the substituted input.
package template

import (
	"strings"

	"github.com/openmailer/dispatch/internal/model"
)

// Placeholders recognized in subject and body text.
const (
	PlaceholderCompany = "{{company}}"
	PlaceholderEmail   = "{{email}}"
)

// Render substitutes all placeholder occurrences in text with the
// recipient's fields. Absent fields substitute to the empty string.
func Render(text string, r model.Recipient) string {
	return strings.NewReplacer(
		PlaceholderCompany, r.Company,
		PlaceholderEmail, r.Email,
	).Replace(text)
}

// RenderHTML derives the HTML body variant: line breaks become <br>
// tags first, then the same substitution as Render is applied.
func RenderHTML(text string, r model.Recipient) string {
	return Render(strings.ReplaceAll(text, "\n", "<br>"), r)
}
