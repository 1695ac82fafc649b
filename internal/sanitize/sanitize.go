// Package sanitize encodes untrusted text so it can be echoed back to clients
// that render markup.
package sanitize

import "strings"

var htmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// Escape encodes ampersands, angle brackets and quotes as HTML entities.
// It never fails. Applying it twice double-encodes, so text must be escaped
// once, where it enters the system.
func Escape(text string) string {
	return htmlReplacer.Replace(text)
}
